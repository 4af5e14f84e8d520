package rqclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ocx/backend/internal/queueitem"
)

func newDisconnectedClient() *Client {
	return New(Config{Host: "127.0.0.1", Port: 7777})
}

func TestDisconnectedClient_AddReturnsZeroValueNotError(t *testing.T) {
	c := newDisconnectedClient()
	id, err := c.Add(context.Background(), "job", []byte("cfg"))
	assert.NoError(t, err, "a not-yet-connected proxy must not error on call")
	assert.Zero(t, id)
}

func TestDisconnectedClient_ItemsSnapshotReturnsZeroValueNotError(t *testing.T) {
	c := newDisconnectedClient()
	items, err := c.ItemsSnapshot(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, items)
}

func TestDisconnectedClient_CancelReturnsNilError(t *testing.T) {
	c := newDisconnectedClient()
	assert.NoError(t, c.Cancel(context.Background(), 1))
}

func TestDisconnectedClient_DoActionReturnsNilError(t *testing.T) {
	c := newDisconnectedClient()
	assert.NoError(t, c.DoAction(context.Background(), 1, queueitem.ActionCancel))
}
