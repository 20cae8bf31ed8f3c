package pipeline

// Handler is the application entry point run by PollInStage each time new
// input arrives on a connection.
//
// On return the Response is either complete or holds output that the
// pipeline will drain asynchronously. Calling Response.Close ends the
// connection once its output is written; otherwise it stays active and
// Handle runs again on the next input.
//
// Handle runs on a poll worker. It may block in Request.ReadData or in a
// threshold flush; those are the only blocking points handlers should rely
// on.
type Handler interface {
	Handle(req *Request, resp *Response)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(req *Request, resp *Response)

// Handle calls f(req, resp).
func (f HandlerFunc) Handle(req *Request, resp *Response) {
	f(req, resp)
}
