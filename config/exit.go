package config

import (
	"fmt"
	"os"
)

// Fatal reports err on stderr under the program name and exits with status 1.
func Fatal(program string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", program, err)
	os.Exit(1)
}
