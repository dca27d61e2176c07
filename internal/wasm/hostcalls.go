package wasm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/kolapsis/llmos/internal/capability"
)

// hostModule is the import namespace generated modules link against.
const hostModule = "llmos"

// MaxPayload bounds any single host-call payload. Larger requests are
// refused with a negative status.
const MaxPayload = 65524

// Host-call status codes returned to the guest.
const (
	statusOK      = 0
	statusDenied  = -1
	statusTooBig  = -2
	statusNoSpace = -3
	statusError   = -4
)

// importCapabilities maps llmos imports to the capability they require.
// notify and cap_request are always allowed.
var importCapabilities = map[string]string{
	"storage_get":    capability.CapStorageLocal,
	"storage_set":    capability.CapStorageLocal,
	"storage_remove": capability.CapStorageLocal,
	"storage_keys":   capability.CapStorageLocal,
	"fetch":          capability.CapNetworkHTTP,
}

// Notifier receives user-facing notifications raised by sandboxed apps.
type Notifier func(appID, message string)

// hostEnv is the per-launch state host functions close over. Host calls
// are strictly serial per app: the guest is single-threaded and each call
// completes before the next begins.
type hostEnv struct {
	appID   string
	granted map[string]bool
	storage StorageBackend
	notify  Notifier
}

// StorageBackend is the slice of the storage manager host calls need.
type StorageBackend interface {
	Get(appID, key string) any
	Set(appID, key string, value any) SetOutcome
	Remove(appID, key string)
	Keys(appID string) []string
}

// SetOutcome mirrors storage.SetResult without importing the package here.
type SetOutcome struct {
	OK    bool
	Error string
}

// instantiateHost builds and instantiates the llmos host module on r.
func instantiateHost(ctx context.Context, r wazero.Runtime, env *hostEnv) error {
	builder := r.NewHostModuleBuilder(hostModule)

	builder.NewFunctionBuilder().
		WithFunc(env.storageGet).
		Export("storage_get")
	builder.NewFunctionBuilder().
		WithFunc(env.storageSet).
		Export("storage_set")
	builder.NewFunctionBuilder().
		WithFunc(env.storageRemove).
		Export("storage_remove")
	builder.NewFunctionBuilder().
		WithFunc(env.storageKeys).
		Export("storage_keys")
	builder.NewFunctionBuilder().
		WithFunc(env.notifyFn).
		Export("notify")
	builder.NewFunctionBuilder().
		WithFunc(env.capRequest).
		Export("cap_request")
	builder.NewFunctionBuilder().
		WithFunc(env.fetchFn).
		Export("fetch")

	_, err := builder.Instantiate(ctx)
	return err
}

// readGuest copies a bounded byte range out of guest memory.
func readGuest(mod api.Module, ptr, length uint32) ([]byte, bool) {
	if length > MaxPayload {
		return nil, false
	}
	return mod.Memory().Read(ptr, length)
}

// writeGuest copies data into a guest buffer, refusing when it does not
// fit. Returns the written length.
func writeGuest(mod api.Module, ptr, capacity uint32, data []byte) int32 {
	if len(data) > int(capacity) {
		return statusNoSpace
	}
	if len(data) > MaxPayload {
		return statusTooBig
	}
	if !mod.Memory().Write(ptr, data) {
		return statusError
	}
	return int32(len(data))
}

func (e *hostEnv) storageGet(_ context.Context, mod api.Module, keyPtr, keyLen, outPtr, outCap uint32) int32 {
	if !e.granted[capability.CapStorageLocal] {
		return statusDenied
	}
	key, ok := readGuest(mod, keyPtr, keyLen)
	if !ok {
		return statusTooBig
	}
	value := e.storage.Get(e.appID, string(key))
	if value == nil {
		return statusOK
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return statusError
	}
	return writeGuest(mod, outPtr, outCap, raw)
}

func (e *hostEnv) storageSet(_ context.Context, mod api.Module, keyPtr, keyLen, valPtr, valLen uint32) int32 {
	if !e.granted[capability.CapStorageLocal] {
		return statusDenied
	}
	key, ok := readGuest(mod, keyPtr, keyLen)
	if !ok {
		return statusTooBig
	}
	raw, ok := readGuest(mod, valPtr, valLen)
	if !ok {
		return statusTooBig
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		// Opaque strings are stored as-is.
		value = string(raw)
	}
	outcome := e.storage.Set(e.appID, string(key), value)
	if !outcome.OK {
		return statusError
	}
	return statusOK
}

func (e *hostEnv) storageRemove(_ context.Context, mod api.Module, keyPtr, keyLen uint32) int32 {
	if !e.granted[capability.CapStorageLocal] {
		return statusDenied
	}
	key, ok := readGuest(mod, keyPtr, keyLen)
	if !ok {
		return statusTooBig
	}
	e.storage.Remove(e.appID, string(key))
	return statusOK
}

func (e *hostEnv) storageKeys(_ context.Context, mod api.Module, outPtr, outCap uint32) int32 {
	if !e.granted[capability.CapStorageLocal] {
		return statusDenied
	}
	raw, err := json.Marshal(e.storage.Keys(e.appID))
	if err != nil {
		return statusError
	}
	return writeGuest(mod, outPtr, outCap, raw)
}

func (e *hostEnv) notifyFn(_ context.Context, mod api.Module, msgPtr, msgLen uint32) int32 {
	msg, ok := readGuest(mod, msgPtr, msgLen)
	if !ok {
		return statusTooBig
	}
	if e.notify != nil {
		e.notify(e.appID, string(msg))
	} else {
		slog.Info("app notification", "app_id", e.appID, "message", string(msg))
	}
	return statusOK
}

// capRequest reports whether the app holds a capability. Apps cannot grant
// themselves anything here; the answer reflects the launch-time grant.
func (e *hostEnv) capRequest(_ context.Context, mod api.Module, capPtr, capLen uint32) int32 {
	name, ok := readGuest(mod, capPtr, capLen)
	if !ok {
		return statusTooBig
	}
	if e.granted[string(name)] {
		return 1
	}
	return 0
}

// fetchFn performs a bounded HTTP GET on behalf of the guest. A body longer
// than MaxPayload is refused with statusTooBig and one that does not fit the
// guest buffer with statusNoSpace; nothing is truncated or streamed.
func (e *hostEnv) fetchFn(ctx context.Context, mod api.Module, urlPtr, urlLen, outPtr, outCap uint32) int32 {
	if !e.granted[capability.CapNetworkHTTP] {
		return statusDenied
	}
	rawURL, ok := readGuest(mod, urlPtr, urlLen)
	if !ok {
		return statusTooBig
	}
	u := string(rawURL)
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return statusError
	}

	fetchCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, u, nil)
	if err != nil {
		return statusError
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return statusError
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxPayload+1))
	if err != nil {
		return statusError
	}
	if len(body) > MaxPayload {
		return statusTooBig
	}
	return writeGuest(mod, outPtr, outCap, body)
}
