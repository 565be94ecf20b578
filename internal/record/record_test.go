package record

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/branchline/internal/watermark"
)

type opaque struct{ n int }

func TestEnvelopeCopyIsolation(t *testing.T) {
	orig := NewEnvelope(Object{
		"name": String("alice"),
		"tags": Array{String("a"), String("b")},
		"addr": Object{"city": String("Oslo")},
	}, watermark.New("src", watermark.Offset(7)))
	orig.Metadata = Object{"origin": String("kafka")}

	cp, err := orig.Copy()
	require.NoError(t, err)

	cp.Record["name"] = String("bob")
	cp.Record["tags"].(Array)[0] = String("z")
	cp.Record["addr"].(Object)["city"] = String("Bergen")
	cp.Metadata["origin"] = String("file")

	assert.Equal(t, String("alice"), orig.Record["name"])
	assert.Equal(t, String("a"), orig.Record["tags"].(Array)[0])
	assert.Equal(t, String("Oslo"), orig.Record["addr"].(Object)["city"])
	assert.Equal(t, String("kafka"), orig.Metadata["origin"])
	assert.Equal(t, orig.Watermark, cp.Watermark)
}

func TestEnvelopeCopyMetadata(t *testing.T) {
	bare := NewEnvelope(Object{"n": Int(1)}, watermark.New("src", watermark.Offset(1)))
	cp, err := bare.Copy()
	require.NoError(t, err)
	assert.Nil(t, cp.Metadata)

	nested := NewEnvelope(Object{}, watermark.New("src", watermark.Offset(2)))
	nested.Metadata = Object{"headers": Object{"trace": String("t1")}}
	cp, err = nested.Copy()
	require.NoError(t, err)
	cp.Metadata["headers"].(Object)["trace"] = String("t2")
	assert.Equal(t, String("t1"), nested.Metadata["headers"].(Object)["trace"])
}

func TestEnvelopeCopyNotSupported(t *testing.T) {
	env := NewEnvelope(opaque{n: 1}, watermark.New("src", watermark.Offset(1)))
	_, err := env.Copy()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCopyNotSupported))
	assert.Contains(t, err.Error(), "record.opaque")
}

func TestDeepCopyScalars(t *testing.T) {
	assert.Equal(t, Int(3), DeepCopy(Int(3)))
	assert.Equal(t, Null{}, DeepCopy(Null{}))
	assert.Nil(t, DeepCopy(nil))
}

func TestRouting(t *testing.T) {
	r := NewRouting(4, 0, 2, 9)
	assert.Equal(t, Routing{true, false, true, false}, r)
	assert.Equal(t, 2, r.Count())
	assert.Equal(t, []int{0, 2}, r.Targets())
	assert.True(t, r.MustCopy())
	assert.False(t, NewRouting(4, 1).MustCopy())
	assert.Equal(t, "[1 0 1 0]", r.String())
}

func TestRoutingValidate(t *testing.T) {
	enabled := []bool{true, false, true}

	require.NoError(t, Routing{true, false, true}.Validate(enabled))
	require.NoError(t, Routing{false, false, false}.Validate(enabled))

	err := Routing{true, true}.Validate(enabled)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 3")

	err = Routing{false, true, false}.Validate(enabled)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled branch 1")
}

func TestSchemaCopy(t *testing.T) {
	s := Schema{Name: "users", Fields: []Field{{Name: "id", Type: "int"}}}
	c := s.Copy()
	c.Fields[0].Name = "changed"
	assert.Equal(t, "id", s.Fields[0].Name)

	f, ok := s.Field("id")
	require.True(t, ok)
	assert.Equal(t, "int", f.Type)
	_, ok = s.Field("missing")
	assert.False(t, ok)
}

func TestSliceStream(t *testing.T) {
	ctx := context.Background()
	s := NewSliceStream(
		NewEnvelope(Int(1), watermark.New("s", watermark.Offset(1))),
		NewEnvelope(Int(2), watermark.New("s", watermark.Offset(2))),
	)

	e, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, Int(1), e.Record)
	e, err = s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, Int(2), e.Record)
	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestChanStream(t *testing.T) {
	ch := make(chan *Envelope[Int], 1)
	s := NewChanStream(ch)
	ch <- NewEnvelope(Int(5), watermark.New("s", watermark.Offset(1)))
	close(ch)

	e, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Int(5), e.Record)
	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewChanStream(make(chan *Envelope[Int])).Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStreamWithMetadataWithRecords(t *testing.T) {
	in := StreamWithMetadata[Int]{Schema: Schema{Name: "n", Fields: []Field{{Name: "v", Type: "int"}}}}
	out := in.WithRecords(NewSliceStream[Int]())
	out.Schema.Fields[0].Name = "x"
	assert.Equal(t, "v", in.Schema.Fields[0].Name)
}
