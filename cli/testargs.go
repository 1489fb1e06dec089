package cli

// This file contains argument processing utilities for separating
// build-time and runtime test arguments passed after --.

import (
	"fmt"
	"strings"
)

// packageDir turns a package pattern like ./pkg/store/... into the
// directory its tests run in, relative to the repository root.
func packageDir(pkg string) string {
	path := strings.TrimPrefix(pkg, "./")
	path = strings.TrimSuffix(path, "/...")
	if path == "" || path == "..." {
		return "."
	}
	return path
}

func separateTestArgs(args []string) (buildArgs, runtimeArgs []string) {
	// Build-only flags (used during go test -c)
	buildOnlyFlags := map[string]bool{
		"-tags":       true,
		"-race":       true,
		"-msan":       true,
		"-asan":       true,
		"-cover":      true,
		"-covermode":  true,
		"-coverpkg":   true,
		"-gcflags":    true,
		"-ldflags":    true,
		"-asmflags":   true,
		"-gccgoflags": true,
		"-mod":        true,
		"-modfile":    true,
		"-overlay":    true,
		"-pkgdir":     true,
		"-toolexec":   true,
		"-work":       true,
	}
	// Build flags that never take a separate value
	booleanFlags := map[string]bool{
		"-race":  true,
		"-msan":  true,
		"-asan":  true,
		"-cover": true,
		"-work":  true,
	}

	buildArgs = []string{}
	runtimeArgs = []string{}

	for i := 0; i < len(args); i++ {
		arg := args[i]

		if buildOnlyFlags[arg] {
			buildArgs = append(buildArgs, arg)
			if !booleanFlags[arg] && i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				i++
				buildArgs = append(buildArgs, args[i])
			}
			continue
		}

		// Build-only flag with = syntax (e.g., -tags=foo)
		flagName := arg
		if idx := strings.Index(arg, "="); idx > 0 {
			flagName = arg[:idx]
		}
		if buildOnlyFlags[flagName] {
			buildArgs = append(buildArgs, arg)
			continue
		}

		runtimeArgs = append(runtimeArgs, arg)
	}

	return buildArgs, runtimeArgs
}

// transformTestFlags adds the -test. prefix go test would add for flags of
// a compiled test binary.
func transformTestFlags(args []string) []string {
	transformed := make([]string, 0, len(args))

	for _, arg := range args {
		// Skip if already has -test. prefix
		if strings.HasPrefix(arg, "-test.") {
			transformed = append(transformed, arg)
			continue
		}

		if strings.HasPrefix(arg, "-") && !strings.HasPrefix(arg, "--") {
			// Handle -flag=value format
			if idx := strings.Index(arg, "="); idx > 0 {
				flagName := arg[1:idx]
				value := arg[idx:]
				transformed = append(transformed, fmt.Sprintf("-test.%s%s", flagName, value))
			} else {
				transformed = append(transformed, fmt.Sprintf("-test.%s", arg[1:]))
			}
		} else {
			// Not a flag, keep as-is (could be a flag value)
			transformed = append(transformed, arg)
		}
	}

	return transformed
}
