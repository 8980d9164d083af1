package envelope

import (
	"encoding/json"

	"github.com/cespare/xxhash/v2"
)

// checksumView is the mutable content covered by Checksum. Map keys are emitted
// sorted by encoding/json, which keeps the hash stable under key reordering.
type checksumView struct {
	Job      string                 `json:"job"`
	Data     map[string]interface{} `json:"data"`
	Complete []string               `json:"complete"`
	Frozen   bool                   `json:"frozen"`
	Status   string                 `json:"status"`
	Error    *Failure               `json:"error"`
}

// Checksum hashes the envelope's mutable content. It only detects change; it is
// not collision resistant.
func Checksum(env *Envelope) uint64 {
	if env == nil {
		return 0
	}
	b, err := json.Marshal(checksumView{
		Job:      env.Job,
		Data:     env.Data,
		Complete: env.CompleteSorted(),
		Frozen:   env.Frozen,
		Status:   env.Status,
		Error:    env.Error,
	})
	if err != nil {
		// Unencodable data (channels, funcs) cannot travel anyway; hash what we can.
		return xxhash.Sum64String(env.Job + "|" + env.Status)
	}
	return xxhash.Sum64(b)
}
