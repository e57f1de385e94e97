// Package mjpeg frames encoded images for a multipart/x-mixed-replace response.
package mjpeg

import (
	"fmt"
	"strconv"
)

// DefaultBoundary is the boundary used by every stream this service emits.
const DefaultBoundary = "frame"

// ContentType returns the response content type for a stream using boundary.
func ContentType(boundary string) string {
	return "multipart/x-mixed-replace; boundary=" + boundary
}

// Part wraps one JPEG payload:
//
//	--{boundary}\r\nContent-Type: image/jpeg\r\nContent-Length: {n}\r\n\r\n{bytes}\r\n
func Part(boundary string, payload []byte) []byte {
	header := "--" + boundary + "\r\nContent-Type: image/jpeg\r\nContent-Length: " +
		strconv.Itoa(len(payload)) + "\r\n\r\n"
	out := make([]byte, 0, len(header)+len(payload)+2)
	out = append(out, header...)
	out = append(out, payload...)
	return append(out, '\r', '\n')
}

// Closing returns the final boundary marker of a stream.
func Closing(boundary string) []byte {
	return []byte(fmt.Sprintf("--%s--\r\n", boundary))
}
