//go:build windows

package collector

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sys/windows/registry"
)

// RegistryProgressSource reads the progress store exposed under a registry
// key by the provisioning workflow. Value layout:
//
//	BlockingTotal     DWORD
//	BlockingCompleted DWORD
//	UIStage           SZ
//	App:<name>        SZ (pending|installing|installed|failed)
type RegistryProgressSource struct {
	Key string // path under HKLM
}

func NewRegistryProgressSource(key string) (ProgressSource, error) {
	return RegistryProgressSource{Key: key}, nil
}

func (r RegistryProgressSource) Read(ctx context.Context) (*ProgressState, error) {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, r.Key, registry.READ)
	if err != nil {
		if err == registry.ErrNotExist {
			return nil, nil
		}
		return nil, fmt.Errorf("open progress key: %w", err)
	}
	defer k.Close()

	st := &ProgressState{Apps: make(map[string]string)}

	if v, _, err := k.GetIntegerValue("BlockingTotal"); err == nil {
		st.BlockingTotal = int(v)
	}
	if v, _, err := k.GetIntegerValue("BlockingCompleted"); err == nil {
		st.BlockingCompleted = int(v)
	}
	if v, _, err := k.GetStringValue("UIStage"); err == nil {
		st.UIStage = v
	}

	names, err := k.ReadValueNames(0)
	if err != nil {
		return st, nil
	}
	for _, name := range names {
		app, ok := strings.CutPrefix(name, "App:")
		if !ok {
			continue
		}
		if v, _, err := k.GetStringValue(name); err == nil {
			st.Apps[app] = v
		}
	}
	return st, nil
}
