package main

import (
	"sync"

	"github.com/hyperengineering/tablestage/internal/hook"
	"github.com/hyperengineering/tablestage/internal/hook/frame"
	"github.com/hyperengineering/tablestage/internal/hook/records"
	"github.com/hyperengineering/tablestage/internal/hook/sqlquery"
)

var hooksOnce sync.Once

// initHooks registers the built-in table hooks in priority order, once
// per process. Called before any store operation.
func initHooks() {
	hooksOnce.Do(func() {
		hook.Register(frame.Hook{})
		hook.Register(records.Hook{})
		hook.Register(sqlquery.Hook{})
	})
}
