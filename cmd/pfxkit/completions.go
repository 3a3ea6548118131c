package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sensiblebit/pfxkit/pkcs12"
)

// completionInput holds the parameters for registering a shell completion
// function on a command flag.
type completionInput struct {
	flagName     string
	completeFunc func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective)
}

// registerCompletion registers a shell completion function for a flag on a
// command. It panics if the flag does not exist (programmer error).
func registerCompletion(cmd *cobra.Command, in completionInput) {
	if err := cmd.RegisterFlagCompletionFunc(in.flagName, in.completeFunc); err != nil {
		panic(fmt.Sprintf("%s --%s: %v", cmd.Name(), in.flagName, err))
	}
}

// fixedCompletion suggests the given values with no file fallback.
func fixedCompletion(values ...string) func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
	return func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return values, cobra.ShellCompDirectiveNoFileComp
	}
}

func directoryCompletion(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
	return nil, cobra.ShellCompDirectiveFilterDirs
}

func fileCompletion(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
	return nil, cobra.ShellCompDirectiveDefault
}

var _ pflag.Value = (*pbeValue)(nil)

// pbeValue is a pflag.Value naming a PBE scheme by its short or full name.
type pbeValue struct {
	alg *pkcs12.Algorithm
}

func newPBEValue(alg *pkcs12.Algorithm) *pbeValue { return &pbeValue{alg: alg} }

func (v *pbeValue) String() string {
	if v.alg == nil || *v.alg == 0 {
		return ""
	}
	return v.alg.ShortName()
}

func (v *pbeValue) Set(s string) error {
	alg, err := pkcs12.LookupAlgorithm(s)
	if err != nil {
		return err
	}
	*v.alg = alg
	return nil
}

func (v *pbeValue) Type() string { return "pbe" }

// pbeNames lists the short names for completion and help text.
func pbeNames() []string {
	var names []string
	for _, a := range pkcs12.Algorithms() {
		names = append(names, a.ShortName())
	}
	return names
}

func pbeHelp(what string) string {
	return fmt.Sprintf("PBE scheme for %s: %s", what, strings.Join(pbeNames(), ", "))
}
