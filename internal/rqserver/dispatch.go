package rqserver

import (
	"context"
	"fmt"

	"github.com/ocx/backend/internal/engineapi"
	"github.com/ocx/backend/internal/rqwire"
)

// dispatchAndReply executes env.Method against the engine and writes back a
// MethodReturn envelope carrying the same CallID. Every engine error is
// converted to a RemoteErr carrying its Go type name, never executed or
// otherwise interpreted on the wire: the client only ever sees a name and
// a message.
func (s *Server) dispatchAndReply(cc *clientConn, env rqwire.Envelope) {
	ctx := context.Background()
	result := s.call(ctx, env.Method, env.Args)

	out := rqwire.Envelope{Kind: rqwire.KindMethodReturn, CallID: env.CallID, Method: env.Method, Result: result}
	body, err := rqwire.Encode(out)
	if err != nil {
		s.logger.Error("rqserver: encode method return", "error", err)
		return
	}
	if err := cc.conn.WritePickle(body); err != nil {
		s.logger.Info("rqserver: write method return failed", "client_id", cc.id, "error", err)
	}
}

func remoteErr(err error) *rqwire.RemoteErr {
	if err == nil {
		return nil
	}
	return &rqwire.RemoteErr{TypeName: fmt.Sprintf("%T", err), Message: err.Error()}
}

func (s *Server) call(ctx context.Context, method engineapi.MethodName, args rqwire.MethodArgs) rqwire.MethodResult {
	e := s.engine
	switch method {
	case engineapi.MethodAdd:
		id, err := e.Add(ctx, args.Name, args.Config)
		if err != nil {
			return rqwire.MethodResult{Err: remoteErr(err)}
		}
		return rqwire.MethodResult{ID: id}

	case engineapi.MethodCancel:
		if err := e.Cancel(ctx, args.ItemID); err != nil {
			return rqwire.MethodResult{Err: remoteErr(err)}
		}
		return rqwire.MethodResult{}

	case engineapi.MethodStop:
		if err := e.Stop(ctx, args.ItemID); err != nil {
			return rqwire.MethodResult{Err: remoteErr(err)}
		}
		return rqwire.MethodResult{}

	case engineapi.MethodDelete:
		if err := e.Delete(ctx, args.ItemID); err != nil {
			return rqwire.MethodResult{Err: remoteErr(err)}
		}
		return rqwire.MethodResult{}

	case engineapi.MethodMoveRelative:
		if err := e.MoveRelative(ctx, args.ItemID, args.Delta); err != nil {
			return rqwire.MethodResult{Err: remoteErr(err)}
		}
		return rqwire.MethodResult{}

	case engineapi.MethodMoveTo:
		if err := e.MoveTo(ctx, args.ItemID, args.Pos); err != nil {
			return rqwire.MethodResult{Err: remoteErr(err)}
		}
		return rqwire.MethodResult{}

	case engineapi.MethodDoAction:
		if err := e.DoAction(ctx, args.ItemID, args.Action); err != nil {
			return rqwire.MethodResult{Err: remoteErr(err)}
		}
		return rqwire.MethodResult{}

	case engineapi.MethodStartAutoprocessing:
		if err := e.StartAutoprocessing(ctx); err != nil {
			return rqwire.MethodResult{Err: remoteErr(err)}
		}
		return rqwire.MethodResult{}

	case engineapi.MethodStopAutoprocessing:
		if err := e.StopAutoprocessing(ctx); err != nil {
			return rqwire.MethodResult{Err: remoteErr(err)}
		}
		return rqwire.MethodResult{}

	case engineapi.MethodForceStopAllRunning:
		if err := e.ForceStopAllRunning(ctx, args.Msg); err != nil {
			return rqwire.MethodResult{Err: remoteErr(err)}
		}
		return rqwire.MethodResult{}

	case engineapi.MethodSetPoolSize:
		if err := e.SetPoolSize(ctx, args.N); err != nil {
			return rqwire.MethodResult{Err: remoteErr(err)}
		}
		return rqwire.MethodResult{}

	case engineapi.MethodQueueSnapshot:
		q, err := e.QueueSnapshot(ctx)
		if err != nil {
			return rqwire.MethodResult{Err: remoteErr(err)}
		}
		return rqwire.MethodResult{Queue: q}

	case engineapi.MethodItemsSnapshot:
		items, err := e.ItemsSnapshot(ctx)
		if err != nil {
			return rqwire.MethodResult{Err: remoteErr(err)}
		}
		return rqwire.MethodResult{Items: items}

	case engineapi.MethodCommandLineInfo:
		info, err := e.CommandLineInfo(ctx)
		if err != nil {
			return rqwire.MethodResult{Err: remoteErr(err)}
		}
		return rqwire.MethodResult{Info: info}

	case engineapi.MethodCommandLineOutput:
		text, modTime, err := e.CommandLineOutput(ctx, args.ItemID, args.SeekEnd, args.MaxBytes)
		if err != nil {
			return rqwire.MethodResult{Err: remoteErr(err)}
		}
		return rqwire.MethodResult{Text: text, ModTime: modTime}

	case engineapi.MethodGetItemConfig:
		cfg, err := e.GetItemConfig(ctx, args.ItemID)
		if err != nil {
			return rqwire.MethodResult{Err: remoteErr(err)}
		}
		return rqwire.MethodResult{Config: cfg}

	case engineapi.MethodSetItemConfig:
		if err := e.SetItemConfig(ctx, args.ItemID, args.Config); err != nil {
			return rqwire.MethodResult{Err: remoteErr(err)}
		}
		return rqwire.MethodResult{}

	default:
		return rqwire.MethodResult{Err: &rqwire.RemoteErr{TypeName: "UnknownMethod", Message: string(method)}}
	}
}
