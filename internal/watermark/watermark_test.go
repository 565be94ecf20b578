package watermark

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOffset_Compare(t *testing.T) {
	assert.Equal(t, -1, Offset(1).Compare(Offset(2)))
	assert.Equal(t, 0, Offset(7).Compare(Offset(7)))
	assert.Equal(t, 1, Offset(9).Compare(Offset(2)))
	assert.Equal(t, 1, Offset(0).Compare(nil))
}

func TestCompare_DifferentKindsOrderByKind(t *testing.T) {
	// "offset" < "timestamp"
	assert.Equal(t, -1, Offset(100).Compare(Timestamp(1)))
	assert.Equal(t, 1, Timestamp(1).Compare(Offset(100)))
}

func TestMax(t *testing.T) {
	assert.Equal(t, Offset(5), Max(Offset(5), Offset(3)))
	assert.Equal(t, Offset(5), Max(Offset(3), Offset(5)))
	assert.Equal(t, Offset(3), Max(nil, Offset(3)))
	assert.Equal(t, Offset(3), Max(Offset(3), nil))
	assert.Nil(t, Max(nil, nil))
}

func TestLess(t *testing.T) {
	assert.True(t, Less(nil, Offset(0)))
	assert.False(t, Less(Offset(0), nil))
	assert.False(t, Less(nil, nil))
	assert.True(t, Less(Offset(1), Offset(2)))
	assert.False(t, Less(Offset(2), Offset(2)))
}

func TestTimestamp_RoundTripsTime(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 5, time.UTC)
	ts := TimestampOf(now)
	assert.True(t, ts.Time().Equal(now))
	assert.Equal(t, "timestamp", ts.Kind())
}

func TestEncodeDecode(t *testing.T) {
	tests := []Position{Offset(42), Offset(-1), Timestamp(1700000000000000000)}
	for _, p := range tests {
		kind, text, err := Encode(p)
		require.NoError(t, err)
		got, err := Decode(kind, text)
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
}

func TestDecode_UnknownKind(t *testing.T) {
	_, err := Decode("lsn", "0/16B3748")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown kind")
}

func TestDecode_BadValue(t *testing.T) {
	_, err := Decode("offset", "abc")
	require.Error(t, err)
}

func TestEncode_Nil(t *testing.T) {
	_, _, err := Encode(nil)
	require.Error(t, err)
}

func TestSet_AdvanceKeepsMax(t *testing.T) {
	s := Set{}
	assert.True(t, s.Advance(New("a", Offset(3))))
	assert.False(t, s.Advance(New("a", Offset(2))))
	assert.False(t, s.Advance(New("a", Offset(3))))
	assert.True(t, s.Advance(New("a", Offset(4))))
	assert.Equal(t, Offset(4), s["a"].Position)
}

func TestSet_Merge(t *testing.T) {
	s := NewSet(New("a", Offset(5)), New("b", Offset(1)))
	s.Merge(NewSet(New("a", Offset(2)), New("b", Offset(9)), New("c", Offset(0))))

	assert.Equal(t, Offset(5), s["a"].Position)
	assert.Equal(t, Offset(9), s["b"].Position)
	assert.Equal(t, Offset(0), s["c"].Position)
}

func TestSet_SliceOrderedBySource(t *testing.T) {
	s := NewSet(New("zeta", Offset(1)), New("alpha", Offset(2)), New("mid", Offset(3)))
	got := s.Slice()
	require.Len(t, got, 3)
	assert.Equal(t, "alpha", got[0].Source)
	assert.Equal(t, "mid", got[1].Source)
	assert.Equal(t, "zeta", got[2].Source)
}

func TestSet_CloneIsIndependent(t *testing.T) {
	s := NewSet(New("a", Offset(1)))
	c := s.Clone()
	c.Advance(New("a", Offset(10)))
	assert.Equal(t, Offset(1), s["a"].Position)
	assert.Nil(t, Set(nil).Clone())
}

func TestSet_JSONRoundTrip(t *testing.T) {
	s := NewSet(New("b", Offset(2)), New("a", Timestamp(10)))
	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"source":"a","kind":"timestamp","position":"10"},
		{"source":"b","kind":"offset","position":"2"}
	]`, string(data))

	var back Set
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, s, back)
}

func TestWatermark_String(t *testing.T) {
	assert.Equal(t, "orders@offset:12", New("orders", Offset(12)).String())
	assert.Equal(t, "orders@<none>", Watermark{Source: "orders"}.String())
	assert.Equal(t, "{a@offset:1, b@offset:2}", NewSet(New("b", Offset(2)), New("a", Offset(1))).String())
}
