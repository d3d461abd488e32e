package client

import (
	"context"
	"time"
)

// Convenience wrappers over Execute for the common browser operations. Each
// wrapper fills in the argument names the extension expects; anything not
// covered here goes through Execute directly.

// NavigateArgs configures a Navigate call.
type NavigateArgs struct {
	URL    string
	NewTab bool
}

// Navigate opens a URL, by default in a new tab.
func (c *Client) Navigate(ctx context.Context, args NavigateArgs, opts ...CallOption) (Result, error) {
	return c.Execute(ctx, "browser.navigate", map[string]any{
		"url":    args.URL,
		"newTab": args.NewTab,
	}, 30*time.Second, opts...)
}

// ClickArgs configures a Click call. Text narrows the selector match to
// elements with that exact text.
type ClickArgs struct {
	Selector   string
	Text       string
	WaitForNav bool
	Timeout    time.Duration
}

// Click clicks the element matched by the selector.
func (c *Client) Click(ctx context.Context, args ClickArgs, opts ...CallOption) (Result, error) {
	timeout := args.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	params := map[string]any{
		"selector":   args.Selector,
		"timeout":    timeout.Seconds(),
		"waitForNav": args.WaitForNav,
	}
	if args.Text != "" {
		params["text"] = args.Text
	}
	return c.Execute(ctx, "browser.click", params, timeout+5*time.Second, opts...)
}

// FillArgs configures a Fill call. Method is how the value is applied;
// "set" assigns the value directly, "type" simulates keystrokes.
type FillArgs struct {
	Selector string
	Value    string
	Method   string
	Timeout  time.Duration
}

// Fill writes a value into an input element.
func (c *Client) Fill(ctx context.Context, args FillArgs, opts ...CallOption) (Result, error) {
	method := args.Method
	if method == "" {
		method = "set"
	}
	timeout := args.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return c.Execute(ctx, "browser.fill", map[string]any{
		"selector": args.Selector,
		"value":    args.Value,
		"method":   method,
		"timeout":  timeout.Seconds(),
	}, timeout+5*time.Second, opts...)
}

// ExtractArgs configures an Extract call. Attribute defaults to "text";
// All extracts every match instead of the first.
type ExtractArgs struct {
	Selector  string
	Attribute string
	All       bool
	Timeout   time.Duration
}

// Extract reads data out of the page.
func (c *Client) Extract(ctx context.Context, args ExtractArgs, opts ...CallOption) (Result, error) {
	attribute := args.Attribute
	if attribute == "" {
		attribute = "text"
	}
	timeout := args.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return c.Execute(ctx, "browser.extract", map[string]any{
		"selector":  args.Selector,
		"attribute": attribute,
		"all":       args.All,
		"timeout":   timeout.Seconds(),
	}, timeout+5*time.Second, opts...)
}

// KeyboardArgs configures a Keyboard call. Keys is a key sequence such as
// "Enter" or "Control+a"; Delay is the per-keystroke delay.
type KeyboardArgs struct {
	Keys     string
	Selector string
	Delay    time.Duration
}

// Keyboard sends keystrokes, optionally focused on a selector first.
func (c *Client) Keyboard(ctx context.Context, args KeyboardArgs, opts ...CallOption) (Result, error) {
	delay := args.Delay
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}
	params := map[string]any{
		"keys":  args.Keys,
		"delay": delay.Milliseconds(),
	}
	if args.Selector != "" {
		params["selector"] = args.Selector
	}
	return c.Execute(ctx, "browser.keyboard", params, 0, opts...)
}

// ScrollArgs configures a Scroll call. Direction is "up" or "down"; Amount
// is in pixels; Selector scrolls inside a specific element.
type ScrollArgs struct {
	Direction string
	Amount    int
	Selector  string
}

// Scroll scrolls the page or an element.
func (c *Client) Scroll(ctx context.Context, args ScrollArgs, opts ...CallOption) (Result, error) {
	direction := args.Direction
	if direction == "" {
		direction = "down"
	}
	amount := args.Amount
	if amount <= 0 {
		amount = 300
	}
	params := map[string]any{
		"direction": direction,
		"amount":    amount,
	}
	if args.Selector != "" {
		params["selector"] = args.Selector
	}
	return c.Execute(ctx, "browser.scroll", params, 0, opts...)
}

// WaitForElementsArgs configures a WaitForElements call.
type WaitForElementsArgs struct {
	Selector string
	Count    int
	Timeout  time.Duration
}

// WaitForElements blocks until at least Count elements match the selector.
func (c *Client) WaitForElements(ctx context.Context, args WaitForElementsArgs, opts ...CallOption) (Result, error) {
	count := args.Count
	if count <= 0 {
		count = 1
	}
	timeout := args.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	// The extension takes this timeout in milliseconds.
	return c.Execute(ctx, "browser.wait_elements", map[string]any{
		"selector": args.Selector,
		"count":    count,
		"timeout":  timeout.Milliseconds(),
	}, timeout+5*time.Second, opts...)
}

// Screenshot captures the visible page. Format defaults to "png".
func (c *Client) Screenshot(ctx context.Context, format string, opts ...CallOption) (Result, error) {
	if format == "" {
		format = "png"
	}
	return c.Execute(ctx, "browser.screenshot", map[string]any{
		"format": format,
	}, 0, opts...)
}

// GetPageInfo returns the current page's URL, title, and load state.
func (c *Client) GetPageInfo(ctx context.Context, opts ...CallOption) (Result, error) {
	return c.Execute(ctx, "browser.get_page_info", map[string]any{}, 0, opts...)
}

// InjectScript evaluates JavaScript in the page. World selects the
// execution context; default is "MAIN".
func (c *Client) InjectScript(ctx context.Context, code, world string, opts ...CallOption) (Result, error) {
	if world == "" {
		world = "MAIN"
	}
	return c.Execute(ctx, "inject_script", map[string]any{
		"code":  code,
		"world": world,
	}, 0, opts...)
}

// A11yTreeArgs configures an accessibility tree query.
type A11yTreeArgs struct {
	Action string
	Limit  int
	TabID  int
}

// A11yTree queries the page's accessibility tree.
func (c *Client) A11yTree(ctx context.Context, args A11yTreeArgs, opts ...CallOption) (Result, error) {
	action := args.Action
	if action == "" {
		action = "get_tree"
	}
	limit := args.Limit
	if limit <= 0 {
		limit = 100
	}
	params := map[string]any{
		"action": action,
		"limit":  limit,
	}
	if args.TabID != 0 {
		params["tabId"] = args.TabID
	}
	return c.Execute(ctx, "a11y_tree", params, 0, opts...)
}

// Tabs issues a tab-management action such as "query_tabs" or "close_tab".
func (c *Client) Tabs(ctx context.Context, action string, params map[string]any, opts ...CallOption) (Result, error) {
	if params == nil {
		params = map[string]any{}
	}
	return c.Execute(ctx, "browser_control", map[string]any{
		"action": action,
		"params": params,
	}, 0, opts...)
}

// CloseTab closes the tab with the given id.
func (c *Client) CloseTab(ctx context.Context, tabID int, opts ...CallOption) (Result, error) {
	return c.Tabs(ctx, "close_tab", map[string]any{"tabId": tabID}, opts...)
}

// ActiveTab returns the currently focused tab.
func (c *Client) ActiveTab(ctx context.Context, opts ...CallOption) (Result, error) {
	return c.Tabs(ctx, "get_active_tab", nil, opts...)
}
