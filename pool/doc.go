// Package pool
// Author: momentics <momentics@gmail.com>
//
// Memory layer for hioload-net: pooled, owning byte buffers used for the
// unsent suffix of pending writes, read-ahead bytes and fixed-size reads.
// Backed by valyala/bytebufferpool, which calibrates buffer sizes from use.
package pool
