package cryptox

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/dmitrijs2005/vaultsync/internal/common"
)

// Schema is a compiled CUE constraint that decrypted payloads must satisfy.
// A cue.Context is not safe for concurrent use, so validation is serialized.
type Schema struct {
	mu    sync.Mutex
	value cue.Value
}

// CompileSchema compiles a CUE expression such as
//
//	{name: string, tags?: [...string]}
func CompileSchema(src string) (*Schema, error) {
	v := cuecontext.New().CompileString(src)
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Schema{value: v}, nil
}

// Validate unifies the JSON document with the schema and requires the result
// to be concrete.
func (s *Schema) Validate(doc []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.value.Context().CompileBytes(doc)
	if err := data.Err(); err != nil {
		return fmt.Errorf("%w: %v", common.ErrInvalidOrCorruptedData, err)
	}
	if err := s.value.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: schema mismatch: %v", common.ErrInvalidOrCorruptedData, err)
	}
	return nil
}
