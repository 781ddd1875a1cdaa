package app

import (
	"context"
	"strings"

	"calenbot/internal/config"
	logx "calenbot/pkg/logx"
)

// startReload watches the config file and applies the logging section on
// change. Other sections are reported and need a restart.
func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				next = coalesce(sub, next)
				a.applyReload(last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
}

// coalesce keeps only the latest config of a burst.
func coalesce(sub <-chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer := <-sub:
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

func (a *App) applyReload(prev, next *config.Config) {
	sections, attrs, live := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	a.logs.Apply(logConfig(next))
	if !live {
		a.log.Warn("config sections changed that apply only after a restart", logx.String("sections", strings.Join(sections, ",")))
	}
	a.log.Info("config reloaded", fields...)
}
