package main

import (
	"fmt"
	"os"
)

// prepareFiles opens the redirections of the command's standard streams.
// A nil entry keeps the supervisor's own stream.
func prepareFiles(inputFile, outputFile, errorFile string) ([]*os.File, error) {
	files := make([]*os.File, 3)
	open := func(i int, name string, flag int) error {
		if name == "" {
			return nil
		}
		f, err := os.OpenFile(name, flag, 0644)
		if err != nil {
			return fmt.Errorf("open %s: %w", name, err)
		}
		files[i] = f
		return nil
	}
	for i, p := range []struct {
		name string
		flag int
	}{
		{inputFile, os.O_RDONLY},
		{outputFile, os.O_WRONLY | os.O_TRUNC | os.O_CREATE},
		{errorFile, os.O_WRONLY | os.O_TRUNC | os.O_CREATE},
	} {
		if err := open(i, p.name, p.flag); err != nil {
			closeFiles(files)
			return nil, err
		}
	}
	return files, nil
}

// closeFiles close all file in the list
func closeFiles(files []*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}
