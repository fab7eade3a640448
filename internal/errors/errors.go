// Package errors defines the S3 error catalogue and the engine error carrier.
package errors

import (
	"fmt"
	"maps"
	"net/http"
)

// S3Error is one entry of the S3 error catalogue. ExtraFields become extra
// child elements of the <Error> document (BucketName, Key, UploadId...).
type S3Error struct {
	Code        string
	Message     string
	HTTPStatus  int
	ExtraFields map[string]string
}

func (e *S3Error) Error() string {
	return fmt.Sprintf("S3Error %s (%d): %s", e.Code, e.HTTPStatus, e.Message)
}

// WithExtra returns a copy of e carrying one more extra field. The shared
// catalogue value is never modified.
func (e *S3Error) WithExtra(key, value string) *S3Error {
	cp := *e
	cp.ExtraFields = maps.Clone(e.ExtraFields)
	if cp.ExtraFields == nil {
		cp.ExtraFields = make(map[string]string, 1)
	}
	cp.ExtraFields[key] = value
	return &cp
}

func def(status int, code, msg string) *S3Error {
	return &S3Error{Code: code, Message: msg, HTTPStatus: status}
}

// Bucket and object lookup.
var (
	ErrNoSuchBucket            = def(http.StatusNotFound, "NoSuchBucket", "The specified bucket does not exist")
	ErrNoSuchKey               = def(http.StatusNotFound, "NoSuchKey", "The specified key does not exist")
	ErrNoSuchVersion           = def(http.StatusNotFound, "NoSuchVersion", "The specified version does not exist")
	ErrNoSuchUpload            = def(http.StatusNotFound, "NoSuchUpload", "The specified multipart upload does not exist")
	ErrNoSuchTagSet            = def(http.StatusNotFound, "NoSuchTagSet", "The TagSet does not exist")
	ErrNoSuchBucketPolicy      = def(http.StatusNotFound, "NoSuchBucketPolicy", "The bucket policy does not exist")
	ErrBucketAlreadyExists     = def(http.StatusConflict, "BucketAlreadyExists", "The requested bucket name is not available")
	ErrBucketAlreadyOwnedByYou = def(http.StatusConflict, "BucketAlreadyOwnedByYou", "Your previous request to create the named bucket succeeded and you already own it")
	ErrBucketNotEmpty          = def(http.StatusConflict, "BucketNotEmpty", "The bucket you tried to delete is not empty")
)

// Request validation.
var (
	ErrInvalidBucketName              = def(http.StatusBadRequest, "InvalidBucketName", "The specified bucket is not valid")
	ErrKeyTooLongError                = def(http.StatusBadRequest, "KeyTooLongError", "Your key is too long")
	ErrInvalidArgument                = def(http.StatusBadRequest, "InvalidArgument", "Invalid Argument")
	ErrInvalidRequest                 = def(http.StatusBadRequest, "InvalidRequest", "Invalid Request")
	ErrMalformedXML                   = def(http.StatusBadRequest, "MalformedXML", "The XML you provided was not well-formed or did not validate")
	ErrMalformedPolicy                = def(http.StatusBadRequest, "MalformedPolicy", "Policies must be valid JSON")
	ErrInvalidTag                     = def(http.StatusBadRequest, "InvalidTag", "The tag provided was not a valid tag")
	ErrIllegalVersioningConfiguration = def(http.StatusBadRequest, "IllegalVersioningConfigurationException", "The versioning configuration specified in the request is invalid")
	ErrInvalidPart                    = def(http.StatusBadRequest, "InvalidPart", "One or more of the specified parts could not be found")
	ErrInvalidPartOrder               = def(http.StatusBadRequest, "InvalidPartOrder", "The list of parts was not in ascending order")
	ErrEntityTooLarge                 = def(http.StatusBadRequest, "EntityTooLarge", "Your proposed upload exceeds the maximum allowed object size")
	ErrEntityTooSmall                 = def(http.StatusBadRequest, "EntityTooSmall", "Your proposed upload is smaller than the minimum allowed object size")
	ErrInvalidRange                   = def(http.StatusRequestedRangeNotSatisfiable, "InvalidRange", "The requested range is not satisfiable")
	ErrPreconditionFailed             = def(http.StatusPreconditionFailed, "PreconditionFailed", "At least one of the pre-conditions you specified did not hold")
	ErrNotModified                    = def(http.StatusNotModified, "NotModified", "Not Modified")
)

// Body integrity.
var (
	ErrBadDigest                 = def(http.StatusBadRequest, "BadDigest", "The Content-MD5 you specified did not match what we received")
	ErrInvalidDigest             = def(http.StatusBadRequest, "InvalidDigest", "The Content-MD5 you specified is not valid")
	ErrIncompleteBody            = def(http.StatusBadRequest, "IncompleteBody", "You did not provide the number of bytes specified by the Content-Length HTTP header")
	ErrMissingRequestBodyError   = def(http.StatusBadRequest, "MissingRequestBodyError", "Request body is empty")
	ErrXAmzContentSHA256Mismatch = def(http.StatusBadRequest, "XAmzContentSHA256Mismatch", "The provided 'x-amz-content-sha256' header does not match what was computed")
	ErrRequestTimeout            = def(http.StatusBadRequest, "RequestTimeout", "Your socket connection to the server was not read from or written to within the timeout period")
)

// Authentication.
var (
	ErrAccessDenied                      = def(http.StatusForbidden, "AccessDenied", "Access Denied")
	ErrSignatureDoesNotMatch             = def(http.StatusForbidden, "SignatureDoesNotMatch", "The request signature we calculated does not match the signature you provided")
	ErrInvalidAccessKeyId                = def(http.StatusForbidden, "InvalidAccessKeyId", "The AWS Access Key Id you provided does not exist in our records")
	ErrRequestTimeTooSkewed              = def(http.StatusForbidden, "RequestTimeTooSkewed", "The difference between the request time and the server's time is too large")
	ErrAuthorizationQueryParametersError = def(http.StatusBadRequest, "AuthorizationQueryParametersError", "Error parsing the X-Amz-Credential parameter or the X-Amz-Expires value")
	ErrAmbiguousAuth                     = def(http.StatusBadRequest, "InvalidArgument", "Only one auth mechanism allowed; found both Authorization header and query string parameters")
)

// Server side.
var (
	ErrInternalError      = def(http.StatusInternalServerError, "InternalError", "We encountered an internal error. Please try again.")
	ErrCorruptedMetadata  = def(http.StatusInternalServerError, "CorruptedMetadata", "The object metadata could not be read")
	ErrNotImplemented     = def(http.StatusNotImplemented, "NotImplemented", "A header you provided implies functionality that is not implemented")
	ErrMethodNotAllowed   = def(http.StatusMethodNotAllowed, "MethodNotAllowed", "The specified method is not allowed against this resource")
	ErrServiceUnavailable = def(http.StatusServiceUnavailable, "ServiceUnavailable", "Service is not available. Please retry.")
)
