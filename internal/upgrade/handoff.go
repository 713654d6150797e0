package upgrade

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// HandoffMaxAge is how old a handoff file may be before the next startup
// ignores it as belonging to an unrelated restart.
const HandoffMaxAge = 5 * time.Minute

// HandoffFile is the file name used inside the agent data directory.
const HandoffFile = "upgrade-handoff.cbor"

// Handoff is written right before the process image is replaced so the next
// image can tell whether the replacement happened.
type Handoff struct {
	RunID          string    `cbor:"run_id"`
	PreviousBinary string    `cbor:"previous_binary"`
	NewBinary      string    `cbor:"new_binary"`
	Argv           []string  `cbor:"argv"`
	Timestamp      time.Time `cbor:"timestamp"`
}

// HandoffOutcome classifies a handoff found at startup.
type HandoffOutcome int

const (
	HandoffNone HandoffOutcome = iota
	HandoffSucceeded
	HandoffFailed
	HandoffStale
)

func (o HandoffOutcome) String() string {
	switch o {
	case HandoffSucceeded:
		return "succeeded"
	case HandoffFailed:
		return "failed"
	case HandoffStale:
		return "stale"
	default:
		return "none"
	}
}

var handoffEncMode cbor.EncMode

func init() {
	var err error
	handoffEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("upgrade: CBOR encoder initialization failed: " + err.Error())
	}
}

// WriteHandoff atomically stores h at path.
func WriteHandoff(path string, h Handoff) error {
	data, err := handoffEncMode.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshaling handoff: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating handoff directory: %w", err)
	}

	temporaryPath := path + ".tmp"
	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating temporary handoff file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary handoff file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary handoff file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary handoff file: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming handoff file into place: %w", err)
	}
	return nil
}

// ReadHandoff loads the handoff stored at path.
func ReadHandoff(path string) (Handoff, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Handoff{}, err
	}
	var h Handoff
	if err := cbor.Unmarshal(data, &h); err != nil {
		return Handoff{}, fmt.Errorf("parsing handoff file %s: %w", path, err)
	}
	return h, nil
}

// ClearHandoff removes the handoff file. A missing file is not an error.
func ClearHandoff(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// CheckHandoff reads, classifies and clears the handoff at path. current is
// the path of the running executable.
func CheckHandoff(path, current string, maxAge time.Duration) (Handoff, HandoffOutcome, error) {
	h, err := ReadHandoff(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Handoff{}, HandoffNone, nil
		}
		_ = ClearHandoff(path)
		return Handoff{}, HandoffNone, err
	}
	defer ClearHandoff(path)

	if time.Since(h.Timestamp) > maxAge {
		return h, HandoffStale, nil
	}
	switch current {
	case h.NewBinary:
		return h, HandoffSucceeded, nil
	case h.PreviousBinary:
		return h, HandoffFailed, nil
	default:
		return h, HandoffStale, nil
	}
}
