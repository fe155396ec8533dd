package tui

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	Quit      key.Binding
	New       key.Binding
	Dashboard key.Binding
	Community key.Binding
	Telemetry key.Binding
	SignIn    key.Binding
	SignOut   key.Binding
	Back      key.Binding
	Submit    key.Binding
	Up        key.Binding
	Down      key.Binding
	Edit      key.Binding
	Delete    key.Binding
	Verify    key.Binding
	Dismiss   key.Binding
	Tab       key.Binding
	Confirm   key.Binding
	Deny      key.Binding
	Send      key.Binding
}

func defaultKeys() keyMap {
	return keyMap{
		Quit:      key.NewBinding(key.WithKeys("ctrl+c"), key.WithHelp("ctrl+c", "quit")),
		New:       key.NewBinding(key.WithKeys("ctrl+n"), key.WithHelp("ctrl+n", "new pact")),
		Dashboard: key.NewBinding(key.WithKeys("ctrl+d"), key.WithHelp("ctrl+d", "dashboard")),
		Community: key.NewBinding(key.WithKeys("ctrl+g"), key.WithHelp("ctrl+g", "community")),
		Telemetry: key.NewBinding(key.WithKeys("ctrl+t"), key.WithHelp("ctrl+t", "telemetry")),
		SignIn:    key.NewBinding(key.WithKeys("ctrl+l"), key.WithHelp("ctrl+l", "sign in")),
		SignOut:   key.NewBinding(key.WithKeys("ctrl+o"), key.WithHelp("ctrl+o", "sign out")),
		Back:      key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "back")),
		Submit:    key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "next")),
		Up:        key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
		Down:      key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
		Edit:      key.NewBinding(key.WithKeys("e"), key.WithHelp("e", "edit")),
		Delete:    key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "void")),
		Verify:    key.NewBinding(key.WithKeys("v"), key.WithHelp("v", "verify")),
		Dismiss:   key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "dismiss reminder")),
		Tab:       key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "switch")),
		Confirm:   key.NewBinding(key.WithKeys("y"), key.WithHelp("y", "yes")),
		Deny:      key.NewBinding(key.WithKeys("n", "esc"), key.WithHelp("n", "no")),
		Send:      key.NewBinding(key.WithKeys("ctrl+s"), key.WithHelp("ctrl+s", "submit")),
	}
}
