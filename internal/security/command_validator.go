package security

import (
	"fmt"
	"regexp"
	"strings"
)

// BlockedCommandError is returned for a command rejected by the validator.
type BlockedCommandError struct {
	Reason string
}

func (e *BlockedCommandError) Error() string {
	return "command blocked: " + e.Reason
}

// CommandValidator rejects shell commands matching a blocklist.
type CommandValidator struct {
	blockedPatterns   []*regexp.Regexp
	blockedSubstrings []string
}

// NewCommandValidator creates a validator with default rules plus extra
// blocked substrings.
func NewCommandValidator(extra ...string) *CommandValidator {
	cv := &CommandValidator{
		blockedSubstrings: []string{
			// Destructive filesystem operations
			"rm -rf /",
			"rm -rf /*",
			"rm -rf ~",
			"rm -rf $HOME",
			"rm -fr /",
			// Disk operations
			"mkfs.",
			"> /dev/sda",
			"> /dev/nvme",
			"dd if=/dev/zero of=/dev/",
			"dd if=/dev/urandom of=/dev/",
			// Permission attacks
			"chmod -R 777 /",
			"chown -R root /",
			// Reverse shells
			"nc -e",
			"ncat -e",
			"/dev/tcp/",
			"/dev/udp/",
			// Sensitive file access
			"/etc/shadow",
			".ssh/id_rsa",
			".ssh/id_ed25519",
			".aws/credentials",
			// Kernel modification
			"insmod ",
			"rmmod ",
			"modprobe ",
		},
	}
	for _, s := range extra {
		if s = strings.TrimSpace(s); s != "" {
			cv.blockedSubstrings = append(cv.blockedSubstrings, s)
		}
	}

	cv.blockedPatterns = []*regexp.Regexp{
		regexp.MustCompile(`:\s*\(\s*\)\s*\{`),                       // fork bomb
		regexp.MustCompile(`rm\s+(-[rRf]+\s+)+/(\s|$)`),              // rm -rf / variants
		regexp.MustCompile(`(?i)(wget|curl)\s+[^|]*\|\s*(ba)?sh\b`),  // download piped to shell
		regexp.MustCompile(`base64\s+-d[^|]*\|\s*(ba)?sh\b`),         // decoded payload piped to shell
		regexp.MustCompile(`echo\s+.*>>\s*\S*authorized_keys`),       // SSH key injection
		regexp.MustCompile(`python[23]?\s+-c\s+['"].*socket.*exec`),  // one-liner reverse shell
	}
	return cv
}

// Check returns a *BlockedCommandError if command must not run.
func (cv *CommandValidator) Check(command string) error {
	if strings.TrimSpace(command) == "" {
		return &BlockedCommandError{Reason: "empty command"}
	}

	normalized := strings.ToLower(command)
	for _, substr := range cv.blockedSubstrings {
		if strings.Contains(normalized, strings.ToLower(substr)) {
			return &BlockedCommandError{Reason: fmt.Sprintf("contains blocked pattern: %s", substr)}
		}
	}
	for _, pattern := range cv.blockedPatterns {
		if pattern.MatchString(command) {
			return &BlockedCommandError{Reason: "matches dangerous pattern"}
		}
	}
	return nil
}
