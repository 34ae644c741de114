package pageant

var TimeoutMillis = timeoutMillis
