package services

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"CROWD_MONITOR/go-backend/internal/analysis"
)

// The detector service carries a JPEG frame in a BytesValue and answers with
// a Struct of the form {"detections": [{"label", "confidence", "box": [x1, y1, x2, y2]}]}.
const (
	DetectorServiceName = "crowd.detector.v1.Detector"
	DetectMethod        = "/" + DetectorServiceName + "/Detect"
)

// DetectorServer is implemented by anything serving the detector service.
type DetectorServer interface {
	Detect(ctx context.Context, frame *wrapperspb.BytesValue) (*structpb.Struct, error)
}

func RegisterDetectorServer(s grpc.ServiceRegistrar, srv DetectorServer) {
	s.RegisterService(&DetectorServiceDesc, srv)
}

func detectHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DetectorServer).Detect(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DetectMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DetectorServer).Detect(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var DetectorServiceDesc = grpc.ServiceDesc{
	ServiceName: DetectorServiceName,
	HandlerType: (*DetectorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Detect", Handler: detectHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "crowd/detector/v1/detector.proto",
}

func DetectionsToStruct(dets []analysis.Detection) (*structpb.Struct, error) {
	list := make([]interface{}, 0, len(dets))
	for _, d := range dets {
		list = append(list, map[string]interface{}{
			"label":      d.Label,
			"confidence": d.Confidence,
			"box":        []interface{}{d.X1, d.Y1, d.X2, d.Y2},
		})
	}
	return structpb.NewStruct(map[string]interface{}{"detections": list})
}

// DetectionsFromStruct parses a detector reply. A missing "detections" key is
// an empty result.
func DetectionsFromStruct(s *structpb.Struct) ([]analysis.Detection, error) {
	raw := s.GetFields()["detections"].GetListValue().GetValues()
	dets := make([]analysis.Detection, 0, len(raw))
	for i, v := range raw {
		fields := v.GetStructValue().GetFields()
		if fields == nil {
			return nil, fmt.Errorf("detection %d is not an object", i)
		}
		box := fields["box"].GetListValue().GetValues()
		if len(box) != 4 {
			return nil, fmt.Errorf("detection %d: box must have 4 coordinates, got %d", i, len(box))
		}
		d := analysis.Detection{
			Label:      fields["label"].GetStringValue(),
			Confidence: fields["confidence"].GetNumberValue(),
			X1:         box[0].GetNumberValue(),
			Y1:         box[1].GetNumberValue(),
			X2:         box[2].GetNumberValue(),
			Y2:         box[3].GetNumberValue(),
		}
		if d.X2 < d.X1 {
			d.X1, d.X2 = d.X2, d.X1
		}
		if d.Y2 < d.Y1 {
			d.Y1, d.Y2 = d.Y2, d.Y1
		}
		dets = append(dets, d)
	}
	return dets, nil
}
