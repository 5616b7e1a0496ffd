package megaservice

import (
	"bufio"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractChunkStr(t *testing.T) {
	tests := map[string]string{
		"data: b'Hello'\n\n":   "Hello",
		"data: b\"it's\"\n\n":  "it's",
		"data: [DONE]\n\n":     "",
		"plain text":           "plain text",
		"data: b' world.'\n\n": " world.",
	}
	for in, want := range tests {
		assert.Equal(t, want, ExtractChunkStr(in), in)
	}
}

func TestTokenEvents(t *testing.T) {
	assert.Equal(t, []string{
		"data: b'Hello '\n\n",
		"data: b'world.'\n\n",
	}, TokenEvents("Hello world.", false))

	assert.Equal(t, []string{
		"data: b' Bye'\n\n",
		"data: [DONE]\n\n",
	}, TokenEvents(" Bye", true))

	assert.Equal(t, []string{"data: [DONE]\n\n"}, TokenEvents("", true))
	assert.Equal(t, []string{"data: b'a\\n'\n\n"}, TokenEvents(`a\n`, false))
}

func TestBytesLiteral(t *testing.T) {
	assert.Equal(t, `b'abc'`, bytesLiteral("abc"))
	assert.Equal(t, `b"it's"`, bytesLiteral("it's"))
	assert.Equal(t, `b'say "it\'s"'`, bytesLiteral(`say "it's"`))
	assert.Equal(t, `b'caf\xc3\xa9'`, bytesLiteral("café"))
	assert.Equal(t, `b'a\\b\t'`, bytesLiteral("a\\b\t"))
}

func TestScanEvents(t *testing.T) {
	scanner := bufio.NewScanner(strings.NewReader("data: b'a'\n\ndata: b'b'\n\ndata: [DONE]\n\ntrailing"))
	scanner.Split(scanEvents)

	var events []string
	for scanner.Scan() {
		events = append(events, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []string{"data: b'a'\n\n", "data: b'b'\n\n", "data: [DONE]\n\n", "trailing"}, events)
}

func TestEndsSentence(t *testing.T) {
	assert.True(t, endsSentence("Done."))
	assert.True(t, endsSentence("真的！"))
	assert.True(t, endsSentence("好，"))
	assert.False(t, endsSentence("Hello"))
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.PendingUpdate(true)
	m.PendingUpdate(true)
	m.PendingUpdate(false)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestPending))

	start := time.Now()
	next := m.TokenUpdate(start, true)
	m.TokenUpdate(next, false)
	m.RequestUpdate(start)
	assert.Equal(t, 1, testutil.CollectAndCount(m.firstTokenLatency))
	assert.Equal(t, 1, testutil.CollectAndCount(m.requestLatency))

	// a second instance on the same registry reuses the registered collectors
	other := NewMetrics(reg)
	other.PendingUpdate(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.requestPending))
}

func TestMetrics_RegistrationConflict(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "megaservice_request_latency",
		Help: "Something else entirely",
	}))

	m := NewMetrics(reg)
	assert.Panics(t, func() { m.RequestUpdate(time.Now()) })
}
