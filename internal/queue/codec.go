package queue

import (
	"fmt"
	"sort"

	"github.com/MarcoPoloResearchLab/clipsync/internal/clip"
	"github.com/fxamacker/cbor/v2"
)

const snapshotVersion = 1

type snapshot struct {
	Version    int                    `cbor:"version"`
	Operations []clip.QueuedOperation `cbor:"operations"`
}

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	mode, err := cbor.EncOptions{
		Sort: cbor.SortCanonical,
		Time: cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic("queue: cbor encoder initialization failed: " + err.Error())
	}
	return mode
}

func encodeSnapshot(operations []clip.QueuedOperation) ([]byte, error) {
	return encMode.Marshal(snapshot{Version: snapshotVersion, Operations: operations})
}

func decodeSnapshot(data []byte) ([]clip.QueuedOperation, error) {
	var decoded snapshot
	if err := cbor.Unmarshal(data, &decoded); err != nil {
		return nil, err
	}
	if decoded.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported queue snapshot version %d", decoded.Version)
	}
	operations := decoded.Operations
	sort.SliceStable(operations, func(i, j int) bool {
		return operations[i].EnqueuedAt.Before(operations[j].EnqueuedAt)
	})
	return operations, nil
}
