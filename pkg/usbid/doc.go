// Package usbid looks up vendor and product names in a usb.ids database,
// the text file distributed by the linux-usb project and packaged by most
// distributions.
//
//	db := usbid.New()
//	db.Load()
//	name := db.Product(0x1209, 0x0001)
//
// A missing database is not an error: lookups return empty strings.
// All methods are safe for concurrent use.
package usbid
