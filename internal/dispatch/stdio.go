package dispatch

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"

	"pkt.systems/changed/api"
)

// maxLineBytes bounds one stdio frame. Tool inputs and read chunks fit far
// below this; anything larger is a framing error, not a payload.
const maxLineBytes = 4 * 1024 * 1024

// ServeStdio runs the line-framed transport: one JSON request object per
// line in, one JSON response object per line out. Responses are written in
// request order. The loop ends on EOF, context cancellation, or a completed
// shutdown exchange.
func (d *Dispatcher) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	conn := d.NewConn()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	writer := bufio.NewWriter(w)
	encoder := json.NewEncoder(writer)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req api.Request
		var resp api.Response
		if err := json.Unmarshal(line, &req); err != nil {
			resp = errorResponse(nil, api.Failure{
				Code:       api.CodeValidation,
				Detail:     "malformed request frame: " + err.Error(),
				Hint:       "send one JSON request object per line",
				HTTPStatus: 400,
			})
		} else {
			resp = conn.Handle(ctx, req)
		}
		if err := encoder.Encode(resp); err != nil {
			return err
		}
		if err := writer.Flush(); err != nil {
			return err
		}
		if conn.State() == Closed {
			return nil
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return err
	}
	return nil
}
