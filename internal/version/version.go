package version

// Library is the client library name reported in the User-Agent header
const Library = "rpcpipe"

// Version is the client library version
const Version = "0.3.0"
