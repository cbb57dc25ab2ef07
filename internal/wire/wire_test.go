package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := &Frame{Kind: KindCall, CorrelationID: 42, Flags: FlagNone, Payload: []byte("hello")}

	require.NoError(t, WriteFrame(&buf, want))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, want.Kind, got.Kind)
	require.Equal(t, want.CorrelationID, got.CorrelationID)
	require.Equal(t, want.Payload, got.Payload)
}

func TestFrameOrderingNotInterleaved(t *testing.T) {
	var buf bytes.Buffer
	frames := []*Frame{
		{Kind: KindCall, CorrelationID: 1, Payload: []byte("a")},
		{Kind: KindHostCall, CorrelationID: 2, Payload: []byte("bb")},
		{Kind: KindStreamPush, CorrelationID: 1, Payload: []byte("ccc")},
	}
	for _, f := range frames {
		require.NoError(t, WriteFrame(&buf, f))
	}
	for _, want := range frames {
		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		require.Equal(t, want.CorrelationID, got.CorrelationID)
		require.Equal(t, want.Payload, got.Payload)
	}
}

func TestFrameTooLargeRejected(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, &Frame{Payload: make([]byte, MaxFrameBytes+1)})
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestValueEncodeDecodeScalars(t *testing.T) {
	cases := []*Value{Null(), Bool(true), Num(3.5), Str("hi"), Bin([]byte{1, 2, 3})}
	for _, v := range cases {
		data, err := Encode(v)
		require.NoError(t, err)
		got, err := Decode(data)
		require.NoError(t, err)
		require.Equal(t, v.Tag, got.Tag)
	}
}

func TestValueHandleRefRoundTrip(t *testing.T) {
	v := StreamRef(7)
	data, err := Encode(v)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, RefStream, got.Ref.Ref)
	require.Equal(t, uint64(7), got.Ref.Handle)
}

func TestValueNestedObjectWithRef(t *testing.T) {
	v := Obj(map[string]*Value{
		"body":   StreamRef(3),
		"status": Num(200),
	})
	data, err := Encode(v)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, RefStream, got.Object["body"].Ref.Ref)
	require.Equal(t, float64(200), *got.Object["status"].Num)
}

func TestValueUnknownTagRejected(t *testing.T) {
	_, err := Decode([]byte(`{"tag":"bogus"}`))
	require.Error(t, err)
}
