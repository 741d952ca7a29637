package kernel

import "strings"

import "defs"

/// Bootargs_t records what the kernel command line asked for.
type Bootargs_t struct {
	Alive              bool
	Aboot_hint_present uint8
	Asilent            bool
}

/// Args_parse scans the command line for flags. A flag is any substring
/// beginning with '-' followed by a keyword; unknown tokens are ignored.
func Args_parse(cmdline string) Bootargs_t {
	var args Bootargs_t
	if cmdline == "" {
		return args
	}
	i := strings.IndexByte(cmdline, '-')
	for i >= 0 {
		rest := cmdline[i:]
		if strings.HasPrefix(rest, "-live") {
			args.Alive = true
			args.Aboot_hint_present = defs.KERNEL_MODE_LIVE
		}
		if strings.HasPrefix(rest, "-silent") {
			args.Asilent = true
		}
		n := strings.IndexByte(cmdline[i+1:], '-')
		if n < 0 {
			break
		}
		i += 1 + n
	}
	return args
}
