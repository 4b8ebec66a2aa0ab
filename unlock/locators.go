package unlock

import (
	"context"
	"time"
)

// Selectors probed by the last locator strategy, in order.
var probeSelectors = []string{
	"input[type='password']",
	"input[name='p2_temp']",
	"input[type='text']",
	"input[placeholder*='번호']",
	"input[placeholder*='인증']",
}

const (
	decoySelector = "input[name='p2_temp']"
	fieldSelector = "input[name='p2']"
)

// locator is one way of finding the code field. ok is false when the
// strategy does not apply to the page.
type locator struct {
	name string
	find func(ctx context.Context, u *Unlocker, page Page) (el Element, ok bool, err error)
}

// locators are tried in order; the first success wins.
var locators = []locator{
	{name: "decoy-then-real", find: findBehindDecoy},
	{name: "direct", find: findDirect},
	{name: "css-probe", find: findByProbing},
}

// findBehindDecoy clicks the visible placeholder field, which swaps in the
// real code field.
func findBehindDecoy(ctx context.Context, u *Unlocker, page Page) (Element, bool, error) {
	decoy, ok, err := u.waitFor(ctx, page, decoySelector)
	if err != nil || !ok || !decoy.Visible {
		return Element{}, false, err
	}
	if err := page.Click(ctx, decoy); err != nil {
		u.logger.Debug("Decoy field click failed", "error", err)
		return Element{}, false, nil
	}
	if err := u.sleep(ctx, u.opts.DecoyDelay); err != nil {
		return Element{}, false, err
	}

	fields, err := page.Query(ctx, fieldSelector)
	if err != nil {
		return Element{}, false, nil
	}
	for _, f := range fields {
		if f.Visible {
			return f, true, nil
		}
	}
	return Element{}, false, nil
}

// findDirect accepts the code field even when hidden; submission falls back
// to script for hidden fields.
func findDirect(ctx context.Context, u *Unlocker, page Page) (Element, bool, error) {
	return u.waitFor(ctx, page, fieldSelector)
}

func findByProbing(ctx context.Context, u *Unlocker, page Page) (Element, bool, error) {
	for _, sel := range probeSelectors {
		els, err := page.Query(ctx, sel)
		if err != nil {
			u.logger.Debug("Selector query failed", "selector", sel, "error", err)
			continue
		}
		for _, el := range els {
			if el.Visible && el.Enabled {
				u.logger.Info("Field matched by selector", "selector", sel, "index", el.Index)
				return el, true, nil
			}
		}
	}
	return Element{}, false, ctx.Err()
}

// waitFor polls until selector matches or the field wait elapses, returning
// the first match.
func (u *Unlocker) waitFor(ctx context.Context, page Page, selector string) (Element, bool, error) {
	deadline := time.Now().Add(u.opts.FieldWait)
	for {
		els, err := page.Query(ctx, selector)
		if err == nil && len(els) > 0 {
			return els[0], true, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Element{}, false, nil
		}
		if err := u.sleep(ctx, min(u.opts.FieldPoll, remaining)); err != nil {
			return Element{}, false, err
		}
	}
}

// discover runs the locator strategies in order.
func (u *Unlocker) discover(ctx context.Context, page Page) (Element, bool, error) {
	for _, loc := range locators {
		u.logger.Info("Trying field locator", "strategy", loc.name)
		el, ok, err := loc.find(ctx, u, page)
		if err != nil {
			return Element{}, false, err
		}
		if ok {
			u.logger.Info("Code field found",
				"strategy", loc.name,
				"name", el.Name,
				"type", el.Type,
				"visible", el.Visible)
			return el, true, nil
		}
	}
	return Element{}, false, nil
}
