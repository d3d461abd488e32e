package client

// toolNameMap translates public operation names to the names the extension
// registers. Unknown names pass through unchanged, so extension-native names
// keep working.
var toolNameMap = map[string]string{
	"browser.click":         "chrome_click",
	"browser.navigate":      "chrome_navigate",
	"browser.fill":          "chrome_fill",
	"browser.extract":       "chrome_extract_data",
	"browser.keyboard":      "chrome_keyboard",
	"browser.scroll":        "chrome_scroll",
	"browser.screenshot":    "chrome_screenshot",
	"browser.wait_elements": "chrome_wait_elements",
	"browser.get_page_info": "chrome_get_page_info",
	"inject_script":         "inject_script",
	"a11y_tree":             "a11y_tree",
}

// remoteName resolves the extension-side name for a public operation name.
func remoteName(name string) string {
	if mapped, ok := toolNameMap[name]; ok {
		return mapped
	}
	return name
}
