// Package apmhttp adapts net/http to the collector. It turns an
// *http.Request into a collector.Request, captures what the downstream
// handler writes, converts recovered panics into fault descriptors, and
// provides a client transport that forwards the recording header of the
// current exchange to downstream services.
package apmhttp
