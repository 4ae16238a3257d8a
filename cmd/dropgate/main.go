// Command dropgate is the client and server toolkit for a privacy-first
// file-sharing system: hosted chunked upload/download with optional
// end-to-end encryption, and a direct peer-to-peer transfer mode.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
