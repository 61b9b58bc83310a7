//go:build !unix

package downloader

import "os"

func checkWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".writable-*")
	if err != nil {
		return err
	}

	name := f.Name()
	f.Close()

	return os.Remove(name)
}
