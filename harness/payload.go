package harness

import (
	"math/rand/v2"
	"strings"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/AntonStoeckl/eventstore-tail/eventstore"
)

const (
	minWordsPerSentence = 4
	maxWordsPerSentence = 12
)

type generatedPayload struct {
	Text string `json:"text"`
}

type generatedMetadata struct {
	Stream          string `json:"stream"`
	Index           int    `json:"index"`
	BatchSize       int    `json:"batch_size"`
	ExpectedVersion string `json:"expected_version"`
}

// payloadGenerator synthesizes batches. It is owned by one producer loop.
type payloadGenerator struct {
	rng          *rand.Rand
	faker        *gofakeit.Faker
	minBatchSize int
	maxBatchSize int
	minSentences int
	maxSentences int
}

func newPayloadGenerator(s settings, rng *rand.Rand) payloadGenerator {
	return payloadGenerator{
		rng:          rng,
		faker:        gofakeit.NewFaker(rng, false),
		minBatchSize: s.minBatchSize,
		maxBatchSize: s.maxBatchSize,
		minSentences: s.minSentences,
		maxSentences: s.maxSentences,
	}
}

// batch builds a randomly sized batch for stream. The message type is the stream id.
func (g payloadGenerator) batch(stream string, expected eventstore.ExpectedVersion) (eventstore.NewStreamMessages, error) {
	size := intBetween(g.rng, g.minBatchSize, g.maxBatchSize)
	messages := make(eventstore.NewStreamMessages, 0, size)

	for i := range size {
		payloadJSON, err := jsoniter.ConfigFastest.Marshal(generatedPayload{
			Text: g.sentences(intBetween(g.rng, g.minSentences, g.maxSentences)),
		})
		if err != nil {
			return nil, err
		}

		metadataJSON, err := jsoniter.ConfigFastest.Marshal(generatedMetadata{
			Stream:          stream,
			Index:           i,
			BatchSize:       size,
			ExpectedVersion: expected.String(),
		})
		if err != nil {
			return nil, err
		}

		message, err := eventstore.BuildNewStreamMessage(uuid.New(), stream, payloadJSON, metadataJSON)
		if err != nil {
			return nil, err
		}

		messages = append(messages, message)
	}

	return messages, nil
}

// sentences draws from the generator's own rng so seeded runs stay reproducible.
func (g payloadGenerator) sentences(n int) string {
	parts := make([]string, 0, n)

	for range n {
		parts = append(parts, g.faker.LoremIpsumSentence(intBetween(g.rng, minWordsPerSentence, maxWordsPerSentence)))
	}

	return strings.Join(parts, " ")
}
