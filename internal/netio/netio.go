// Package netio holds small I/O helpers shared by the server and the client.
package netio

import "io"

// WriteFull writes p to w, looping over short writes until every byte is
// sent or the writer fails.
func WriteFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}
