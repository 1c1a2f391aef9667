package cmd

import (
	"testing"
)

func TestServeCommandFlags(t *testing.T) {
	flags := []string{"debug", "config", "host", "port", "packages", "force-lock"}

	for _, name := range flags {
		if serveCmd.Flags().Lookup(name) == nil {
			t.Errorf("Expected serve command to define --%s", name)
		}
	}

	if serveCmd.RunE == nil {
		t.Error("Expected serve command to use RunE")
	}
}

func TestImportCommandFlags(t *testing.T) {
	flags := []string{"debug", "config", "packages"}

	for _, name := range flags {
		if importCmd.Flags().Lookup(name) == nil {
			t.Errorf("Expected import command to define --%s", name)
		}
	}
}

func TestServeCommandRejectsArgs(t *testing.T) {
	if err := serveCmd.Args(serveCmd, []string{"extra"}); err == nil {
		t.Error("Expected serve command to reject positional arguments")
	}
	if err := serveCmd.Args(serveCmd, nil); err != nil {
		t.Errorf("Expected serve command to accept zero arguments, got %v", err)
	}
}
