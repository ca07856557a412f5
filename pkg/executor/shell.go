package executor

import (
	"strings"
)

// shellArgv returns the command line for shell with {0} replaced by the
// script path.
func shellArgv(shell, script string) []string {
	var tmpl []string
	switch shell {
	case "bash":
		tmpl = []string{"bash", "--noprofile", "--norc", "-eo", "pipefail", "{0}"}
	case "sh":
		tmpl = []string{"sh", "-e", "{0}"}
	case "python":
		tmpl = []string{"python", "{0}"}
	case "pwsh":
		tmpl = []string{"pwsh", "-command", ". '{0}'"}
	default:
		tmpl = strings.Fields(shell)
		if !strings.Contains(shell, "{0}") {
			tmpl = append(tmpl, "{0}")
		}
	}

	argv := make([]string, len(tmpl))
	for i, a := range tmpl {
		argv[i] = strings.ReplaceAll(a, "{0}", script)
	}
	return argv
}

func scriptExt(shell string) string {
	switch shell {
	case "python":
		return ".py"
	case "pwsh":
		return ".ps1"
	}
	return ".sh"
}
