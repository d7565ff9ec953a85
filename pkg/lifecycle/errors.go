package lifecycle

import "errors"

var (
	// ErrPluginAlreadyInstalled is returned when the listing or its slug is already installed
	ErrPluginAlreadyInstalled = errors.New("Plugin already installed")

	// ErrPluginNotFound is returned when no installed plugin has the id
	ErrPluginNotFound = errors.New("Plugin not found")

	// ErrHookExecutionFailed is returned when a lifecycle hook fails or panics
	ErrHookExecutionFailed = errors.New("hook execution failed")

	// ErrInvalidState is returned when the plugin's status does not allow the transition
	ErrInvalidState = errors.New("invalid plugin state")

	// ErrUpToDate is returned when an update targets the installed version
	ErrUpToDate = errors.New("Plugin is already up to date")

	// ErrInvalidInput is returned for malformed requests
	ErrInvalidInput = errors.New("invalid input")
)
