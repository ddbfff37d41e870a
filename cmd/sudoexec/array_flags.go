package main

import "fmt"

// arrayFlags collects a repeated flag
type arrayFlags []string

func (f *arrayFlags) String() string {
	return fmt.Sprint([]string(*f))
}

func (f *arrayFlags) Set(value string) error {
	*f = append(*f, value)
	return nil
}

func (f *arrayFlags) Type() string {
	return "stringArray"
}
