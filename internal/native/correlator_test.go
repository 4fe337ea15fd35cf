package native

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCorrelatorDeliverOnce(t *testing.T) {
	c := NewCorrelator[string]()

	var got []Response
	ticket := c.Expect("eth0", func(_ MessageID, resp Response) {
		got = append(got, resp)
	})

	_, acked := ticket.ID()
	assert.False(t, acked)
	assert.False(t, c.Deliver(1, OK(nil)), "responses before acknowledge are not correlated")

	ticket.Acknowledge(1)
	id, acked := ticket.ID()
	assert.True(t, acked)
	assert.Equal(t, MessageID(1), id)
	assert.Equal(t, 1, c.Pending("eth0"))

	assert.True(t, c.Deliver(1, OK([]byte("pong"))))
	assert.False(t, c.Deliver(1, OK([]byte("again"))))

	assert.Len(t, got, 1)
	assert.Equal(t, EncodedMessage("pong"), got[0].Payload)
	assert.Equal(t, 0, c.Len())
}

func TestCorrelatorDoubleAcknowledgePanics(t *testing.T) {
	c := NewCorrelator[int]()
	ticket := c.Expect(0, nil)
	ticket.Acknowledge(5)
	assert.Panics(t, func() { ticket.Acknowledge(6) })
}

func TestCorrelatorCancel(t *testing.T) {
	c := NewCorrelator[string]()
	called := false
	ticket := c.Expect("a", func(MessageID, Response) { called = true })
	ticket.Acknowledge(3)

	assert.True(t, c.Cancel(3))
	assert.False(t, c.Cancel(3))
	assert.False(t, c.Deliver(3, ErrResponse()))
	assert.False(t, called)
}

func TestCorrelatorCancelTag(t *testing.T) {
	c := NewCorrelator[string]()
	for i, tag := range []string{"a", "b", "a"} {
		c.Expect(tag, nil).Acknowledge(MessageID(i + 1))
	}

	ids := c.CancelTag("a")
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	assert.Equal(t, []MessageID{1, 3}, ids)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, "b", c.Expect("b", nil).Tag())
}

func TestFireAndForgetNeverCorrelated(t *testing.T) {
	c := NewCorrelator[struct{}]()
	// An Emit without a ticket leaves nothing to correlate against.
	assert.False(t, c.Deliver(42, OK(nil)))
	assert.Equal(t, 0, c.Len())
}

func TestDummyMessageIDWrite(t *testing.T) {
	var w MessageIDWrite = DummyMessageIDWrite{}
	assert.NotPanics(t, func() {
		w.Acknowledge(1)
		w.Acknowledge(1)
	})
}
