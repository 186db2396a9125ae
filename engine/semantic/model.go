package semantic

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/studduoai/studduo/engine/domain"
)

// Payload keys stored alongside each vector.
const (
	keyPassageID  = "passage_id"
	keyText       = "text"
	keySource     = "source"
	keyChunkIndex = "chunk_index"
)

// PassageID returns the stable passage identifier for a chunk of a source.
func PassageID(source string, chunkIndex int) string {
	return fmt.Sprintf("%s_%d", source, chunkIndex)
}

// PointID derives the UUID used as the vector point key for a passage ID.
// Re-ingesting the same chunk overwrites the same point.
func PointID(passageID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(passageID)).String()
}

// Info summarises an index for operators.
type Info struct {
	Backend    string `json:"backend"`
	Collection string `json:"collection"`
	Count      int64  `json:"count"`
}

func passageOrDefault(p domain.IndexedPassage) domain.IndexedPassage {
	if p.ID == "" {
		p.ID = PassageID(p.SourceLabel, p.ChunkIndex)
	}
	return p
}
