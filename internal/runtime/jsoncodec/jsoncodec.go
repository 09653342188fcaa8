// Package jsoncodec is the JSON codec shared by the bus transport and the
// logging middleware. Plain values go through sonic with encoding/json
// compatible settings; protobuf messages go through protojson so well-known
// types and oneofs keep their canonical form.
package jsoncodec

import (
	"fmt"
	"io"
	"reflect"

	"github.com/bytedance/sonic"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

var (
	defaultConfig = sonic.ConfigStd

	protoMarshal   = protojson.MarshalOptions{EmitUnpopulated: false}
	protoIndent    = protojson.MarshalOptions{Multiline: true, Indent: "  "}
	protoUnmarshal = protojson.UnmarshalOptions{DiscardUnknown: true}
)

func Marshal(v any) ([]byte, error) {
	if msg, ok := v.(proto.Message); ok {
		return protoMarshal.Marshal(msg)
	}
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	if msg, ok := v.(proto.Message); ok {
		return protoIndent.Marshal(msg)
	}
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	if msg, ok := v.(proto.Message); ok {
		return protoUnmarshal.Unmarshal(data, msg)
	}
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	enc := defaultConfig.NewEncoder(w)
	return enc.Encode(v)
}

func Decode(r io.Reader, v any) error {
	dec := defaultConfig.NewDecoder(r)
	return dec.Decode(v)
}

// DecodeAs decodes data into a fresh value of type t and returns it. Pointer
// types receive a newly allocated element; value types are returned by value.
func DecodeAs(data []byte, t reflect.Type) (any, error) {
	if t == nil {
		return nil, fmt.Errorf("jsoncodec: target type is nil")
	}

	if t.Kind() == reflect.Pointer {
		target := reflect.New(t.Elem())
		if err := Unmarshal(data, target.Interface()); err != nil {
			return nil, err
		}
		return target.Interface(), nil
	}

	target := reflect.New(t)
	if err := Unmarshal(data, target.Interface()); err != nil {
		return nil, err
	}
	return target.Elem().Interface(), nil
}
