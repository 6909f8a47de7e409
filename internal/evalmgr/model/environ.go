package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"strconv"

	"github.com/google/uuid"

	appErr "ojeval/pkg/errors"
)

// Reserved environ keys. They are stored in typed fields of Environ and never
// in Values.
const (
	KeyJobID          = "job_id"
	KeyRecipe         = "recipe"
	KeyErrorHandlers  = "error_handlers"
	KeyIgnoreErrors   = "ignore_errors"
	KeySavedEnvironID = "saved_environ_id"
	KeyTransfer       = "transfer"
	KeyRestoreFunc    = "restore_environ_func"
	KeyError          = "error"
)

var reservedKeys = map[string]struct{}{
	KeyJobID:          {},
	KeyRecipe:         {},
	KeyErrorHandlers:  {},
	KeyIgnoreErrors:   {},
	KeySavedEnvironID: {},
	KeyTransfer:       {},
	KeyRestoreFunc:    {},
	KeyError:          {},
}

// IsReserved reports whether key is owned by the orchestrator.
func IsReserved(key string) bool {
	_, ok := reservedKeys[key]
	return ok
}

// DefaultErrorHandler deletes the QueuedJob row of a fatally failed job.
const DefaultErrorHandler = "evalmgr.remove_queuedjob_on_error"

// TransferRequest is set by TransferJob and consumed by the orchestrator
// right after the step returns. It is never persisted.
type TransferRequest struct {
	Func   string         `json:"transfer_func"`
	Kwargs map[string]any `json:"transfer_kwargs"`
}

// WorkerError is a failure reported by a remote worker pool.
type WorkerError struct {
	Message   string `json:"message"`
	Traceback string `json:"traceback"`
}

// Environ is the job state threaded through a recipe. On the wire it is a
// single flat JSON object: reserved keys and arbitrary values side by side.
//
// A nil Recipe means the key is absent; an empty non-nil Recipe means the
// job has nothing left to run.
type Environ struct {
	JobID          string
	Recipe         Recipe
	ErrorHandlers  Recipe
	IgnoreErrors   bool
	SavedEnvironID int64
	Transfer       *TransferRequest
	RestoreFunc    string
	Error          *WorkerError

	Values map[string]any
}

// NewEnviron creates a job environ with a fresh job id and the default
// error handler that cleans up its QueuedJob row.
func NewEnviron() *Environ {
	return &Environ{
		JobID: uuid.New().URN(),
		ErrorHandlers: Recipe{
			{Name: "remove_queuedjob_on_error", Handler: DefaultErrorHandler},
		},
		Values: make(map[string]any),
	}
}

// Get returns the value stored under key, including reserved keys.
func (e *Environ) Get(key string) (any, bool) {
	switch key {
	case KeyJobID:
		return e.JobID, e.JobID != ""
	case KeyRecipe:
		return e.Recipe, e.Recipe != nil
	case KeyErrorHandlers:
		return e.ErrorHandlers, e.ErrorHandlers != nil
	case KeyIgnoreErrors:
		return e.IgnoreErrors, e.IgnoreErrors
	case KeySavedEnvironID:
		return e.SavedEnvironID, e.SavedEnvironID != 0
	case KeyTransfer:
		return e.Transfer, e.Transfer != nil
	case KeyRestoreFunc:
		return e.RestoreFunc, e.RestoreFunc != ""
	case KeyError:
		return e.Error, e.Error != nil
	}
	v, ok := e.Values[key]
	return v, ok
}

// Has reports whether key is present.
func (e *Environ) Has(key string) bool {
	_, ok := e.Get(key)
	return ok
}

// Set stores value under key. Reserved keys are decoded into their typed
// fields, so Set("ignore_errors", true) behaves like assigning the field.
func (e *Environ) Set(key string, value any) error {
	if IsReserved(key) {
		return e.setReserved(key, value)
	}
	if e.Values == nil {
		e.Values = make(map[string]any)
	}
	e.Values[key] = value
	return nil
}

// Delete removes key.
func (e *Environ) Delete(key string) {
	switch key {
	case KeyJobID:
		e.JobID = ""
	case KeyRecipe:
		e.Recipe = nil
	case KeyErrorHandlers:
		e.ErrorHandlers = nil
	case KeyIgnoreErrors:
		e.IgnoreErrors = false
	case KeySavedEnvironID:
		e.SavedEnvironID = 0
	case KeyTransfer:
		e.Transfer = nil
	case KeyRestoreFunc:
		e.RestoreFunc = ""
	case KeyError:
		e.Error = nil
	default:
		delete(e.Values, key)
	}
}

// Keys returns every present key, sorted.
func (e *Environ) Keys() []string {
	keys := make([]string, 0, len(e.Values)+len(reservedKeys))
	for k := range reservedKeys {
		if e.Has(k) {
			keys = append(keys, k)
		}
	}
	for k := range e.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (e *Environ) setReserved(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return appErr.Wrapf(err, appErr.InvalidEnviron, "encode %s", key)
	}
	fields := map[string]json.RawMessage{key: raw}
	if err := e.applyReserved(fields); err != nil {
		return err
	}
	return nil
}

// GetString returns the value under key as a string.
func (e *Environ) GetString(key string) (string, bool) {
	v, ok := e.Get(key)
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case json.Number:
		return s.String(), true
	}
	return "", false
}

// GetInt returns the value under key as an int64. JSON numbers decoded from
// a saved environ are json.Number; values set in-process may be any integer
// kind or an integral float.
func (e *Environ) GetInt(key string) (int64, bool) {
	v, ok := e.Get(key)
	if !ok {
		return 0, false
	}
	return ToInt(v)
}

// GetBool returns the value under key as a bool.
func (e *Environ) GetBool(key string) bool {
	v, ok := e.Get(key)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// GetMap returns the value under key as a JSON object.
func (e *Environ) GetMap(key string) (map[string]any, bool) {
	v, ok := e.Get(key)
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}

// ToInt converts the numeric kinds found in environs to int64.
func ToInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		if f, err := n.Float64(); err == nil && f == float64(int64(f)) {
			return int64(f), true
		}
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
	}
	return 0, false
}

// Clone returns a deep copy that shares no mutable state with e.
func (e *Environ) Clone() (*Environ, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidEnviron, "encode environ %s", e.JobID)
	}
	return DecodeEnviron(raw)
}

// MustClone is Clone for environs known to be serializable, such as ones
// that were just decoded.
func (e *Environ) MustClone() *Environ {
	c, err := e.Clone()
	if err != nil {
		panic(err)
	}
	return c
}

// DecodeEnviron parses a flat environ object.
func DecodeEnviron(raw []byte) (*Environ, error) {
	env := &Environ{}
	if err := json.Unmarshal(raw, env); err != nil {
		return nil, err
	}
	return env, nil
}

// MarshalJSON flattens reserved fields and Values into one object.
func (e *Environ) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Values)+8)
	maps.Copy(out, e.Values)
	for k := range reservedKeys {
		delete(out, k)
	}
	if e.JobID != "" {
		out[KeyJobID] = e.JobID
	}
	if e.Recipe != nil {
		out[KeyRecipe] = e.Recipe
	}
	if e.ErrorHandlers != nil {
		out[KeyErrorHandlers] = e.ErrorHandlers
	}
	if e.IgnoreErrors {
		out[KeyIgnoreErrors] = true
	}
	if e.SavedEnvironID != 0 {
		out[KeySavedEnvironID] = e.SavedEnvironID
	}
	if e.Transfer != nil {
		out[KeyTransfer] = e.Transfer
	}
	if e.RestoreFunc != "" {
		out[KeyRestoreFunc] = e.RestoreFunc
	}
	if e.Error != nil {
		out[KeyError] = e.Error
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits a flat object into reserved fields and Values.
func (e *Environ) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return appErr.Wrapf(err, appErr.InvalidEnviron, "decode environ")
	}
	if fields == nil {
		return appErr.Newf(appErr.InvalidEnviron, "environ must be a JSON object")
	}
	*e = Environ{Values: make(map[string]any, len(fields))}
	if err := e.applyReserved(fields); err != nil {
		return err
	}
	for key, raw := range fields {
		if IsReserved(key) {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return appErr.Wrapf(err, appErr.InvalidEnviron, "decode environ key %s", key)
		}
		e.Values[key] = v
	}
	return nil
}

func (e *Environ) applyReserved(fields map[string]json.RawMessage) error {
	decode := func(key string, dst any) error {
		raw, ok := fields[key]
		if !ok {
			return nil
		}
		if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			e.Delete(key)
			return nil
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return appErr.Wrapf(err, appErr.InvalidEnviron, "decode environ key %s", key)
		}
		return nil
	}
	if err := decode(KeyJobID, &e.JobID); err != nil {
		return err
	}
	if err := decode(KeyRecipe, &e.Recipe); err != nil {
		return err
	}
	if err := decode(KeyErrorHandlers, &e.ErrorHandlers); err != nil {
		return err
	}
	if err := decode(KeyIgnoreErrors, &e.IgnoreErrors); err != nil {
		return err
	}
	if raw, ok := fields[KeySavedEnvironID]; ok {
		var v any
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			return appErr.Wrapf(err, appErr.InvalidEnviron, "decode environ key %s", KeySavedEnvironID)
		}
		id, ok := ToInt(v)
		if v != nil && !ok {
			return appErr.Newf(appErr.InvalidEnviron, "saved_environ_id must be an integer, got %v", v)
		}
		e.SavedEnvironID = id
	}
	if err := decode(KeyTransfer, &e.Transfer); err != nil {
		return err
	}
	if err := decode(KeyRestoreFunc, &e.RestoreFunc); err != nil {
		return err
	}
	return decode(KeyError, &e.Error)
}

// String renders the environ for logs.
func (e *Environ) String() string {
	raw, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Sprintf("<environ %s: %v>", e.JobID, err)
	}
	return string(raw)
}
