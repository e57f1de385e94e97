package ffmpeg

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// Options the decoder sets itself; configuring them again would redirect
// input or output.
var reservedOptions = map[string]bool{
	"-i": true, "-f": true, "-y": true, "-pix_fmt": true, "-filter_complex": true,
}

// SplitArgs splits extra decoder arguments without going through a shell.
func SplitArgs(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid argument syntax: %w", err)
	}
	return args, nil
}

// SanitizeArgs rejects reserved options and shell-like metacharacters.
// exec never runs a shell, but such arguments are never legitimate here.
func SanitizeArgs(args []string) error {
	for _, arg := range args {
		if reservedOptions[arg] {
			return fmt.Errorf("option %s is set by the decoder", arg)
		}
		if strings.ContainsAny(arg, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
	}
	return nil
}
