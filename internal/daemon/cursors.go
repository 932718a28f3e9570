package daemon

import (
	"holt.is/bulwark/internal/store"
)

// storeCursors persists log-source resume positions in daemon_state.
type storeCursors struct {
	st *store.Store
}

func (c *storeCursors) GetCursor(source string) (string, error) {
	return c.st.GetState(store.KeyCursorPrefix + source)
}

func (c *storeCursors) SetCursor(source, cursor string) error {
	return c.st.SetState(store.KeyCursorPrefix+source, cursor)
}
