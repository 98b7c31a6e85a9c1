package conn

// Backend is the external collaborator that takes a prepared request and
// eventually calls Connection.ReqComplete. The transport supplies
// req.Data/req.Length/req.Xfer and the command capsule; the backend fills
// in the response capsule's status fields before calling back.
//
// Execute must call ReqComplete (directly or indirectly) from the
// connection's owning executor — Connection is not safe for concurrent
// use from any other goroutine.
type Backend interface {
	Execute(req *Request)
}
