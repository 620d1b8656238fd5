package session_test

import (
	"testing"

	"github.com/satpi/satpi-go/pkg/dvb"
	"github.com/satpi/satpi-go/pkg/logger"
	"github.com/satpi/satpi-go/pkg/satperr"
	"github.com/satpi/satpi-go/pkg/session"
	"github.com/satpi/satpi-go/pkg/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, streamCount int) (*session.Manager, []*stream.Stream) {
	t.Helper()
	log := logger.Default()
	streams := make([]*stream.Stream, 0, streamCount)
	for i := 0; i < streamCount; i++ {
		fe := dvb.NewFrontend(-1, nil, log)
		streams = append(streams, stream.New(i, fe, uint32(i+1), log))
	}
	return session.New(streams, log), streams
}

func TestFindStreamForAllocatesFreeStreams(t *testing.T) {
	m, streams := newTestManager(t, 2)

	s0, isNew, err := m.FindStreamFor(session.Request{ClientAddr: "10.0.0.1"})
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Same(t, streams[0], s0)
	s0.Bind(stream.NewClient("111111111111", nil))

	s1, isNew, err := m.FindStreamFor(session.Request{ClientAddr: "10.0.0.2"})
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Same(t, streams[1], s1)
	s1.Bind(stream.NewClient("222222222222", nil))

	_, _, err = m.FindStreamFor(session.Request{ClientAddr: "10.0.0.3"})
	require.Error(t, err)
	assert.Equal(t, 503, satperr.RTSPStatus(err))
}

func TestFindStreamForReusesBySessionID(t *testing.T) {
	m, streams := newTestManager(t, 2)
	streams[1].Bind(stream.NewClient("999000111222", nil))

	s, isNew, err := m.FindStreamFor(session.Request{ClientAddr: "10.0.0.9", SessionID: "999000111222"})
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Same(t, streams[1], s)
}

func TestFindBySession(t *testing.T) {
	m, streams := newTestManager(t, 1)
	assert.Nil(t, m.FindBySession("123456789012"))

	streams[0].Bind(stream.NewClient("123456789012", nil))
	assert.Same(t, streams[0], m.FindBySession("123456789012"))
	assert.Nil(t, m.FindBySession("999999999999"))
	assert.Nil(t, m.FindBySession(""))
}

func TestSweepReapsSelfDestructingClients(t *testing.T) {
	m, streams := newTestManager(t, 1)
	client := stream.NewClient("123456789012", nil)
	streams[0].Bind(client)
	require.True(t, streams[0].Active())

	client.MarkSelfDestruct()
	m.Sweep()

	assert.False(t, streams[0].Active(), "flagged client must be reaped on the next sweep")
	assert.Nil(t, m.FindBySession("123456789012"))
}

func TestNewSessionIDFormat(t *testing.T) {
	id, err := session.NewSessionID()
	require.NoError(t, err)
	assert.Len(t, id, 12)
	for _, r := range id {
		assert.True(t, r >= '0' && r <= '9', "session id must be numeric: %q", id)
	}
}
