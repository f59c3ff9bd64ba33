package core

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// Recording support for the design note's record/replay tooling: every
// action actually applied by Dispatch is, optionally, appended as one JSON
// line. A captured log can be replayed against a fresh State to reproduce a
// run bit-for-bit, since actions are the sole unit of mutation (§5, §9).

// EnableRecording attaches a writer that receives one JSON-encoded Action
// per successful Dispatch call. Pass nil to stop recording.
func (d *Dispatcher) EnableRecording(w io.Writer) {
	if w == nil {
		d.recorder = nil
		return
	}
	d.recorder = json.NewEncoder(w)
}

func (d *Dispatcher) recordIfEnabled(a Action) {
	if d.recorder == nil {
		return
	}
	if err := d.recorder.Encode(a); err != nil {
		// Recording is a debug aid; a write failure must never affect the
		// live dispatch loop's behavior.
		_ = err
	}
}

// ReplayActions decodes one JSON Action per line from r and dispatches each
// in order against d. It returns the count of actions that were actually
// applied (as opposed to silently rejected by their enabling condition) and
// the first decode error encountered, if any.
func ReplayActions(d *Dispatcher, r io.Reader) (int, error) {
	dec := json.NewDecoder(bufio.NewReader(r))
	applied := 0
	for {
		var a Action
		if err := dec.Decode(&a); err != nil {
			if err == io.EOF {
				return applied, nil
			}
			return applied, fmt.Errorf("replay: decode action %d: %w", applied, err)
		}
		if d.Dispatch(a) {
			applied++
		}
	}
}
