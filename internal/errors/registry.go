package errors

// ErrorTemplate defines a registered error type.
type ErrorTemplate struct {
	Category Category
	Message  string
	Detail   string
}

// registry maps error codes to their templates.
var registry = map[string]ErrorTemplate{
	// ============================================
	// Network Errors (E100-E102)
	// ============================================

	"E101": {
		Category: CategoryNetwork,
		Message:  "Bind failed",
		Detail:   "The server could not listen on the requested address. Another process may own the port, or the host name does not resolve to a local interface.",
	},
	"E102": {
		Category: CategoryNetwork,
		Message:  "Connection fault",
		Detail:   "A worker connection was reset or closed abruptly. Only that connection is dropped; the server keeps serving the others.",
	},

	// ============================================
	// Protocol Errors (E103-E109)
	// ============================================

	"E103": {
		Category: CategoryProtocol,
		Message:  "Duplicate registration",
		Detail:   "A worker id registered twice. The later connection was sent ABORT so the logical worker runs at most once.",
	},
	"E104": {
		Category: CategoryProtocol,
		Message:  "Malformed payload",
		Detail:   "The connection sent data that is not a READY:<id> registration.",
	},

	// ============================================
	// Runtime Errors (E110-E119)
	// ============================================

	"E110": {
		Category: CategoryRuntime,
		Message:  "Barrier timeout",
		Detail:   "Not every expected worker registered before the barrier deadline. Admitted workers were sent ABORT.",
	},
	"E111": {
		Category: CategoryRuntime,
		Message:  "Run cancelled",
		Detail:   "The run was cancelled before the server reached its completion condition.",
	},
	"E112": {
		Category: CategoryRuntime,
		Message:  "Invocation failed",
		Detail:   "A worker invocation could not be started or exited with an error.",
	},

	// ============================================
	// Configuration Errors (E120-E129)
	// ============================================

	"E120": {
		Category: CategoryConfig,
		Message:  "Invalid wavebench.json",
		Detail:   "The wavebench.json configuration file is malformed.",
	},
	"E121": {
		Category: CategoryConfig,
		Message:  "Configuration not found",
		Detail:   "No wavebench.json was found.",
	},
	"E122": {
		Category: CategoryConfig,
		Message:  "Invalid configuration value",
		Detail:   "A configuration value is out of range or inconsistent with another value.",
	},
	"E123": {
		Category: CategoryConfig,
		Message:  "Invalid scale mode",
		Detail:   "Scale modes have the form scale:<mode>:<workersPerWave>:<periodSeconds>:<waveCount>.",
	},

	// ============================================
	// Sink Errors (E130-E139)
	// ============================================

	"E130": {
		Category: CategorySink,
		Message:  "Result upload failed",
		Detail:   "The run transcript could not be written to object storage.",
	},
	"E131": {
		Category: CategorySink,
		Message:  "Event publish failed",
		Detail:   "A lifecycle event could not be published to the message broker.",
	},
}

// GetAllCodes returns all registered error codes.
func GetAllCodes() []string {
	codes := make([]string, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	return codes
}

// GetTemplate returns the template for an error code.
func GetTemplate(code string) (ErrorTemplate, bool) {
	t, ok := registry[code]
	return t, ok
}
