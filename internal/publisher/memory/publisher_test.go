package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type tagged struct {
	Source string `json:"source"`
}

func (t tagged) Attributes() map[string]string { return map[string]string{"source": t.Source} }

func TestPublisherRecordsMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "topic-a", map[string]string{"k": "v"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "topic-b", tagged{Source: "apolo"})
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	require.Len(t, pub.Messages(""), 2)
	b := pub.Messages("topic-b")
	require.Len(t, b, 1)
	require.JSONEq(t, `{"source":"apolo"}`, string(b[0].Data))
	require.Equal(t, "apolo", b[0].Attributes["source"])

	b[0].Topic = "modified"
	require.Equal(t, "topic-b", pub.Messages("topic-b")[0].Topic)

	_, err = pub.Publish(context.Background(), "topic-a", make(chan int))
	require.Error(t, err)
}
