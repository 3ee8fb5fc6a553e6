// Package env contains functions for dealing with environment variables
// and user home expansion in user supplied paths.
package env

import (
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
)

// ShellExpandHelp describes the expansion performed by ShellExpand
const ShellExpandHelp = "\n\nLeading `~` will be expanded in the file name as will environment variables such as `${HOME}`.\n"

// ShellExpand replaces a leading "~" with the user's home directory and
// expands ${var} or $var in s according to the current environment.
func ShellExpand(s string) string {
	if s != "" {
		if s[0] == '~' {
			newS, err := homedir.Expand(s)
			if err == nil {
				s = newS
			}
		}
		s = os.Expand(s, func(env string) string {
			return os.Getenv(env)
		})
		s = filepath.FromSlash(s)
	}
	return s
}
