package stream

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wireSample mixes every framing feature the reader handles: multi-byte
// text, CRLF line endings, comments, non-data fields, multi-line data,
// JSON envelopes and the sentinel.
const wireSample = "data: Hello\n\n" +
	"data:  world\n\n" +
	": keep-alive\n\n" +
	"event: token\r\nid: 7\r\ndata: héllo 世界 🚀\r\n\r\n" +
	"data: line one\ndata: line two\n\n" +
	"data: {\"content\":[{\"text\":\"nested\"}]}\n\n" +
	"data: [DONE]\n\n"

func readAll(chunks ...[]byte) []Frame {
	r := NewFrameReader()
	var frames []Frame
	for _, chunk := range chunks {
		frames = append(frames, r.Feed(chunk)...)
	}
	return append(frames, r.Flush()...)
}

func chunkBySizes(input []byte, sizes []int) [][]byte {
	if len(sizes) == 0 {
		return [][]byte{input}
	}
	var chunks [][]byte
	for i := 0; len(input) > 0; i++ {
		n := sizes[i%len(sizes)]
		if n > len(input) {
			n = len(input)
		}
		chunks = append(chunks, input[:n])
		input = input[n:]
	}
	return chunks
}

func TestFrameReaderScenario(t *testing.T) {
	frames := readAll([]byte("data: Hello\n\ndata:  world\n\ndata: [DONE]\n\n"))

	require.Equal(t, []Frame{
		{Payload: "Hello"},
		{Payload: " world"},
		{Payload: DoneSentinel, IsSentinel: true},
	}, frames)
}

func TestFrameReaderParsesFields(t *testing.T) {
	frames := readAll([]byte(wireSample))

	require.Equal(t, []Frame{
		{Payload: "Hello"},
		{Payload: " world"},
		{Payload: "héllo 世界 🚀"},
		{Payload: "line one\nline two"},
		{Payload: `{"content":[{"text":"nested"}]}`},
		{Payload: DoneSentinel, IsSentinel: true},
	}, frames)
}

func TestFrameReaderEverySplitOffset(t *testing.T) {
	input := []byte(wireSample)
	want := readAll(input)

	for i := 0; i <= len(input); i++ {
		got := readAll(input[:i], input[i:])
		require.Equal(t, want, got, "split at byte %d", i)
	}
}

func TestFrameReaderEveryDoubleSplit(t *testing.T) {
	input := []byte("data: 世界\r\n\r\ndata: [DONE]\n\n")
	want := readAll(input)

	for i := 0; i <= len(input); i++ {
		for j := i; j <= len(input); j++ {
			got := readAll(input[:i], input[i:j], input[j:])
			require.Equal(t, want, got, "split at bytes %d and %d", i, j)
		}
	}
}

func TestFrameReaderChunkingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	input := []byte(wireSample)
	want := readAll(input)

	properties.Property("any chunking yields the unchunked frame sequence", prop.ForAll(
		func(sizes []int) bool {
			got := readAll(chunkBySizes(input, sizes)...)
			return assert.ObjectsAreEqual(want, got)
		},
		gen.SliceOf(gen.IntRange(1, 17)),
	))

	properties.TestingRun(t)
}

func TestFrameReaderSentinelIsIdempotent(t *testing.T) {
	inputs := []string{
		"data: [DONE]\n\n",
		"\n\ndata: [DONE]\n\n\n\n",
		"data:[DONE]\n\n",
		"data:  [DONE]  \n\n",
		"\r\n\r\ndata: [DONE]\r\n\r\n\r\n",
		"[DONE]\n\n",
	}

	for _, input := range inputs {
		frames := readAll([]byte(input))
		require.Len(t, frames, 1, "input %q", input)
		assert.True(t, frames[0].IsSentinel, "input %q", input)
	}
}

func TestFrameReaderKeepsPartialFrame(t *testing.T) {
	r := NewFrameReader()

	assert.Empty(t, r.Feed([]byte("data: par")))
	assert.Empty(t, r.Feed([]byte("tial")))
	assert.Empty(t, r.Feed(nil))

	frames := r.Flush()
	require.Equal(t, []Frame{{Payload: "partial"}}, frames)
	assert.Empty(t, r.Flush())
}

func TestFrameReaderSkipsEmptyPayloads(t *testing.T) {
	frames := readAll([]byte("data:\n\ndata: \n\n: comment only\n\nevent: ping\n\n"))
	assert.Empty(t, frames)
}

func TestFrameReaderMultiByteAcrossChunks(t *testing.T) {
	input := []byte("data: 世\n\n")
	// 世 is three bytes starting at offset 6; split inside it.
	frames := readAll(input[:7], input[7:8], input[8:])

	require.Equal(t, []Frame{{Payload: "世"}}, frames)
}

func TestFrameReaderReplacesInvalidBytes(t *testing.T) {
	frames := readAll([]byte("data: a\xffb\n\n"))

	require.Len(t, frames, 1)
	assert.Equal(t, "a�b", frames[0].Payload)
}

func TestFrameReaderFlushesTruncatedRune(t *testing.T) {
	r := NewFrameReader()
	assert.Empty(t, r.Feed([]byte("data: ok \xe4\xb8")))

	frames := r.Flush()
	require.Len(t, frames, 1)
	assert.True(t, strings.HasPrefix(frames[0].Payload, "ok "))
	assert.Contains(t, frames[0].Payload, "\uFFFD")
}
