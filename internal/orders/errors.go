package orders

import "errors"

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrInvalidOrder       = errors.New("invalid order")
	ErrInvalidOrderStatus = errors.New("invalid order status")
	ErrAccessDenied       = errors.New("access denied")
	// ErrReservationLost means a stock item of the order was re-allocated to
	// another order after this order's hold expired.
	ErrReservationLost = errors.New("order reservation lost")
	// ErrDuplicateOrderNumber is returned by repositories when a generated
	// order number collides; the service regenerates and retries.
	ErrDuplicateOrderNumber = errors.New("duplicate order number")
)
