package common

// AuthorizationHeaderName is the HTTP header carrying the bearer access token.
const AuthorizationHeaderName = "Authorization"

// BearerPrefix prefixes the token inside the Authorization header.
const BearerPrefix = "Bearer "

// StorageChannelTitle is the title given to channels created for file storage.
const StorageChannelTitle = "chanvault"

// StorageChannelAbout is the description given to created storage channels.
const StorageChannelAbout = "chanvault storage channel"
