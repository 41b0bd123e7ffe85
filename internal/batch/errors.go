package batch

import "errors"

// ErrMissingEmbedding is returned to a caller whose item had no
// corresponding entry in the upstream batch response.
var ErrMissingEmbedding = errors.New("batch: upstream response missing embedding for item")
