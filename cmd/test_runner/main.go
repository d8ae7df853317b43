package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

var (
	verbose     = flag.Bool("v", false, "verbose output")
	short       = flag.Bool("short", false, "run only short tests")
	race        = flag.Bool("race", false, "enable the race detector")
	cover       = flag.Bool("cover", false, "report coverage")
	timeout     = flag.Duration("timeout", 5*time.Minute, "test timeout")
	testRegexp  = flag.String("run", "", "run only tests matching the regular expression")
	pkg         = flag.String("pkg", "./...", "package pattern")
	postgresDSN = flag.String("postgres", "", "DSN for the PostgreSQL journal integration test")
)

func main() {
	flag.Parse()

	// Build test command
	args := []string{"test"}
	if *verbose {
		args = append(args, "-v")
	}
	if *short {
		args = append(args, "-short")
	}
	if *race {
		args = append(args, "-race")
	}
	if *cover {
		args = append(args, "-cover")
	}
	args = append(args, fmt.Sprintf("-timeout=%s", timeout.String()))
	if *testRegexp != "" {
		args = append(args, fmt.Sprintf("-run=%s", *testRegexp))
	}
	args = append(args, *pkg)

	cmd := exec.Command("go", args...)

	// Set environment variables for tests
	env := append(os.Environ(), "TEST_ENV=true")
	if *postgresDSN != "" {
		env = append(env, "POSTGRES_TEST_DSN="+*postgresDSN)
	}
	cmd.Env = env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	fmt.Printf("Running tests with args: %s\n", strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.ExitCode())
		}
		fmt.Printf("Error running tests: %v\n", err)
		os.Exit(1)
	}
}
