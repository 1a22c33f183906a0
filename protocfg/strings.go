package protocfg

// Well-known signal, message, data item, and status code names.  These
// are the names the engine refers to directly.  A protocol configuration
// can define additional names (extensions do this routinely); those are
// only reachable through the catalog.

// Signal and message names.
const (
	SigPeerDiscovery                 = "Peer_Discovery"
	SigPeerOffer                     = "Peer_Offer"
	SigSessionInitialization         = "Session_Initialization"
	SigSessionInitializationResponse = "Session_Initialization_Response"
	SigSessionTermination            = "Session_Termination"
	SigSessionTerminationResponse    = "Session_Termination_Response"
	SigSessionUpdate                 = "Session_Update"
	SigSessionUpdateResponse         = "Session_Update_Response"
	SigDestinationUp                 = "Destination_Up"
	SigDestinationUpResponse         = "Destination_Up_Response"
	SigDestinationDown               = "Destination_Down"
	SigDestinationDownResponse       = "Destination_Down_Response"
	SigDestinationUpdate             = "Destination_Update"
	SigDestinationAnnounce           = "Destination_Announce"
	SigDestinationAnnounceResponse   = "Destination_Announce_Response"
	SigLinkCharacteristicsRequest    = "Link_Characteristics_Request"
	SigLinkCharacteristicsResponse   = "Link_Characteristics_Response"
	SigHeartbeat                     = "Heartbeat"
)

// Data item names.
const (
	DIVersion                = "Version"
	DIPort                   = "Port"
	DIPeerType               = "Peer_Type"
	DIMACAddress             = "MAC_Address"
	DIIPv4Address            = "IPv4_Address"
	DIIPv6Address            = "IPv6_Address"
	DIStatus                 = "Status"
	DIHeartbeatInterval      = "Heartbeat_Interval"
	DIIPv4AttachedSubnet     = "IPv4_Attached_Subnet"
	DIIPv6AttachedSubnet     = "IPv6_Attached_Subnet"
	DIExtensionsSupported    = "Extensions_Supported"
	DIExperimentalDefinition = "Experimental_Definition"
	DIIPv4ConnectionPoint    = "IPv4_Connection_Point"
	DIIPv6ConnectionPoint    = "IPv6_Connection_Point"
)

// Required metric names.
const (
	DIMaximumDataRateReceive       = "Maximum_Data_Rate_Receive"
	DIMaximumDataRateTransmit      = "Maximum_Data_Rate_Transmit"
	DICurrentDataRateReceive       = "Current_Data_Rate_Receive"
	DICurrentDataRateTransmit      = "Current_Data_Rate_Transmit"
	DILatency                      = "Latency"
	DIResources                    = "Resources"
	DIRelativeLinkQualityReceive   = "Relative_Link_Quality_Receive"
	DIRelativeLinkQualityTransmit  = "Relative_Link_Quality_Transmit"
	DIMaximumTransmissionUnit      = "Maximum_Transmission_Unit"
)

// Status code names.
const (
	StatusSuccess            = "Success"
	StatusUnknownMessage     = "Unknown_Message"
	StatusInvalidMessage     = "Invalid_Message"
	StatusUnexpectedMessage  = "Unexpected_Message"
	StatusRequestDenied      = "Request_Denied"
	StatusTimedOut           = "Timed_Out"
	StatusInvalidData        = "Invalid_Data"
	StatusInvalidDestination = "Invalid_Destination"
	StatusNotInterested      = "Not_Interested"
	StatusInconsistentData   = "Inconsistent_Data"
	StatusShuttingDown       = "Shutting_Down"
)
