// Package booking declares the booking feature repo: the booking entity, its
// batch and push sources, the kpi request inputs, the precomputed booking view,
// the on-demand kpi products and the two feature services built on them.
//
// Importing the package registers the great_feature_view transform.
package booking

import (
	"fmt"

	"featurestore/internal/registry"
	"featurestore/internal/transformer"
)

const greatFeature = "This is a great feature"

var (
	Booking = &registry.Entity{
		Name:     "booking",
		JoinKeys: []string{"booking_id"},
	}

	BookingSource = &registry.FileSource{
		Name:                   "booking_source",
		Path:                   "data/booking_features.parquet",
		TimestampField:         "event_timestamp",
		CreatedTimestampColumn: "created",
	}

	BookingPushSource = &registry.PushSource{
		Name:        "booking_push_source",
		BatchSource: BookingSource,
	}

	InputRequest = &registry.RequestSource{
		Name: "input_request",
		Schema: []registry.Field{
			{Name: "kpi1", DType: registry.Float64},
			{Name: "kpi2", DType: registry.Float64},
		},
	}

	PCBookingView = &registry.FeatureView{
		Name:     "pc_booking_view",
		Entities: []*registry.Entity{Booking},
		Online:   true,
		Schema: []registry.Field{
			{Name: "great_feature1", DType: registry.Float64, Description: greatFeature},
			{Name: "great_feature2", DType: registry.Float64, Description: greatFeature},
		},
		Source: BookingSource,
	}

	GreatFeatureView = &registry.OnDemandFeatureView{
		Name:    "great_feature_view",
		Sources: []registry.Source{PCBookingView, InputRequest},
		Schema: []registry.Field{
			{Name: "great_feature1_kpi1", DType: registry.Float64},
			{Name: "great_feature2_kpi2", DType: registry.Float64},
		},
	}

	DSRPFeatureService = &registry.FeatureService{
		Name:     "dsrp_feature_service",
		Features: []registry.View{GreatFeatureView},
	}

	FSServicePC = &registry.FeatureService{
		Name:     "fs_service_pc",
		Features: []registry.View{PCBookingView},
	}
)

func init() {
	transformer.Register(GreatFeatureView.TransformName(), GreatFeatures)
}

// Objects returns every declaration in dependency order, ready for
// registry.Apply.
func Objects() []any {
	return []any{
		Booking,
		BookingSource,
		BookingPushSource,
		InputRequest,
		PCBookingView,
		GreatFeatureView,
		DSRPFeatureService,
		FSServicePC,
	}
}

// GreatFeatures multiplies each base feature by its request kpi, row by row:
//
//	great_feature1_kpi1 = great_feature1 * kpi1
//	great_feature2_kpi2 = great_feature2 * kpi2
//
// A null operand yields a null product for that row only.
func GreatFeatures(in *transformer.Frame) (*transformer.Frame, error) {
	out := transformer.WithRows(in.Len())
	for _, p := range [][3]string{
		{"great_feature1_kpi1", "great_feature1", "kpi1"},
		{"great_feature2_kpi2", "great_feature2", "kpi2"},
	} {
		col, err := transformer.MulColumns(in, p[1], p[2])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p[0], err)
		}
		if err := out.AddColumn(p[0], col); err != nil {
			return nil, err
		}
	}
	return out, nil
}
