package scan

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ionlab/pmtscan/internal/errors"
)

func TestRequestChannel_SecondSubmitIsMisuse(t *testing.T) {
	ch := NewRequestChannel()
	first := Request{Seq: 1, Kind: KindPoint, XIndex: 0, YIndex: 0}

	require.NoError(t, ch.Submit(first))
	assert.True(t, ch.Outstanding())

	err := ch.Submit(Request{Seq: 2, Kind: KindPoint, XIndex: 1})
	var misuse *errors.ChannelMisuseError
	require.ErrorAs(t, err, &misuse)
	assert.Equal(t, first.String(), misuse.Outstanding)
	assert.ErrorIs(t, err, errors.ErrRequestOutstanding)

	// Taking the request does not free the slot; only receiving the result does.
	req, err := ch.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), req.Seq)
	assert.Error(t, ch.Submit(Request{Seq: 3}))

	require.NoError(t, ch.Deliver(context.Background(), Result{Request: req}))
	res, err := ch.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Seq)
	assert.False(t, ch.Outstanding())

	assert.NoError(t, ch.Submit(Request{Seq: 4}))
}

func TestRequestChannel_TakePrefersPendingRequest(t *testing.T) {
	ch := NewRequestChannel()
	require.NoError(t, ch.Submit(Request{Seq: 7}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req, err := ch.Take(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), req.Seq)

	_, err = ch.Take(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRequestChannel_TakeBlocksUntilSubmit(t *testing.T) {
	ch := NewRequestChannel()
	got := make(chan Request, 1)

	go func() {
		req, err := ch.Take(context.Background())
		if err == nil {
			got <- req
		}
	}()

	select {
	case <-got:
		t.Fatal("Take returned before Submit")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, ch.Submit(Request{Seq: 9}))
	select {
	case req := <-got:
		assert.Equal(t, uint64(9), req.Seq)
	case <-time.After(time.Second):
		t.Fatal("Take did not return after Submit")
	}
}

func TestRequestChannel_ReceiveHonorsContext(t *testing.T) {
	ch := NewRequestChannel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := ch.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequestChannel_ReceivePrefersDeliveredResult(t *testing.T) {
	ch := NewRequestChannel()
	require.NoError(t, ch.Submit(Request{Seq: 1}))
	req, err := ch.Take(context.Background())
	require.NoError(t, err)
	require.NoError(t, ch.Deliver(context.Background(), Result{Request: req}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := ch.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Seq)
	assert.False(t, ch.Outstanding())
}

func TestRequestChannel_TryReceive(t *testing.T) {
	ch := NewRequestChannel()
	_, ok := ch.TryReceive()
	assert.False(t, ok)

	require.NoError(t, ch.Submit(Request{Seq: 7}))
	req, err := ch.Take(context.Background())
	require.NoError(t, err)
	_, ok = ch.TryReceive()
	assert.False(t, ok, "nothing delivered yet")
	assert.True(t, ch.Outstanding())

	require.NoError(t, ch.Deliver(context.Background(), Result{Request: req}))
	res, ok := ch.TryReceive()
	require.True(t, ok)
	assert.Equal(t, uint64(7), res.Seq)
	assert.False(t, ch.Outstanding())
}

func TestRequest_String(t *testing.T) {
	assert.Equal(t, "point#3(1,0)", Request{Seq: 3, Kind: KindPoint, XIndex: 1}.String())
	assert.Equal(t, "settle#4(2,2)", Request{Seq: 4, Kind: KindSettle, XIndex: 2, YIndex: 2}.String())
	assert.Equal(t, "probe#5", Request{Seq: 5, Kind: KindProbe}.String())
}

func TestReading_JSON(t *testing.T) {
	data, err := ValueOf(2.5).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "2.5", string(data))

	data, err = NoData().MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))

	var r Reading
	require.NoError(t, r.UnmarshalJSON([]byte("null")))
	assert.False(t, r.Valid)
	require.NoError(t, r.UnmarshalJSON([]byte("4")))
	assert.Equal(t, ValueOf(4), r)
}
