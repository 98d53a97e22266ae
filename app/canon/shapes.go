package canon

// Shape is the tagged variant a source declares for its raw records.
type Shape string

const (
	ShapeDealerFeed  Shape = "dealer_feed"
	ShapeMarketplace Shape = "marketplace"
	ShapeForum       Shape = "forum"
	ShapeAuction     Shape = "auction"
)

// Canonical field names used in source field mappings.
const (
	FieldTitle              = "title"
	FieldDescription        = "description"
	FieldBrand              = "brand"
	FieldModel              = "model"
	FieldYear               = "year"
	FieldPrice              = "price"
	FieldMileage            = "mileage"
	FieldFuelType           = "fuel_type"
	FieldTransmission       = "transmission"
	FieldCity               = "city"
	FieldImages             = "images"
	FieldSellerType         = "seller_type"
	FieldVerificationStatus = "verification_status"
	FieldListingDate        = "listing_date"
	FieldVIN                = "vin"
	FieldRegistration       = "registration"
	FieldIdentityVerified   = "identity_verified"
	FieldTitleStatus        = "title_status"
	FieldAvailability       = "availability"
)

type shapeSpec struct {
	required []string
	// priceKeys are raw keys tried after the mapped price field.
	priceKeys []string
	// textFallback allows year and price to be recovered from title or
	// description text.
	textFallback bool
}

var baseRequired = []string{FieldBrand, FieldModel, FieldYear, FieldPrice, FieldCity}

var shapes = map[Shape]shapeSpec{
	ShapeDealerFeed: {
		required: append([]string{FieldMileage}, baseRequired...),
	},
	ShapeMarketplace: {
		required: baseRequired,
	},
	ShapeForum: {
		required:     baseRequired,
		textFallback: true,
	},
	ShapeAuction: {
		required:  baseRequired,
		priceKeys: []string{"current_bid", "reserve_price", "starting_bid"},
	},
}

func KnownShape(s string) bool {
	_, ok := shapes[Shape(s)]
	return ok
}
