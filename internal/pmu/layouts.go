package pmu

// Core event-select layouts.
var (
	// AMD families 10h, 15h and 16h pack privilege and host/guest as 2-bit modes.
	legacyAMDCoreLayout = newLayout("amd-legacy-core", map[FieldID]Field{
		EventLow:  {0, 8},
		UnitMask:  {8, 8},
		Privilege: {16, 2},
		Edge:      {18, 1},
		Interrupt: {20, 1},
		Enable:    {22, 1},
		Invert:    {23, 1},
		CountMask: {24, 8},
		EventHigh: {32, 4},
		HostGuest: {40, 2},
	})

	zenCoreLayout = newLayout("zen-core", map[FieldID]Field{
		EventLow:  {0, 8},
		UnitMask:  {8, 8},
		User:      {16, 1},
		OS:        {17, 1},
		Edge:      {18, 1},
		Interrupt: {20, 1},
		Enable:    {22, 1},
		Invert:    {23, 1},
		CountMask: {24, 8},
		EventHigh: {32, 4},
		Host:      {40, 1},
		Guest:     {41, 1},
	})

	// Zen 3 and later swapped the host and guest bits.
	zen3CoreLayout = newLayout("zen3-core", map[FieldID]Field{
		EventLow:  {0, 8},
		UnitMask:  {8, 8},
		User:      {16, 1},
		OS:        {17, 1},
		Edge:      {18, 1},
		Interrupt: {20, 1},
		Enable:    {22, 1},
		Invert:    {23, 1},
		CountMask: {24, 8},
		EventHigh: {32, 4},
		Guest:     {40, 1},
		Host:      {41, 1},
	})

	intelCoreLayout = newLayout("intel-core", map[FieldID]Field{
		EventLow:   {0, 8},
		UnitMask:   {8, 8},
		User:       {16, 1},
		OS:         {17, 1},
		Edge:       {18, 1},
		PinControl: {19, 1},
		Interrupt:  {20, 1},
		AnyThread:  {21, 1},
		Enable:     {22, 1},
		Invert:     {23, 1},
		CountMask:  {24, 8},
	})
)

// Cache (L2I / L3) event-select layouts.
var (
	jaguarL2ILayout = newLayout("jaguar-l2i", map[FieldID]Field{
		EventLow:   {0, 8},
		UnitMask:   {8, 8},
		Enable:     {22, 1},
		Invert:     {23, 1},
		CountMask:  {24, 8},
		EventHigh:  {32, 4},
		SliceMask:  {48, 8},
		ThreadMask: {56, 8},
	})

	zenL3Layout = newLayout("zen-l3", map[FieldID]Field{
		EventLow:   {0, 8},
		UnitMask:   {8, 8},
		Enable:     {22, 1},
		SliceMask:  {48, 4},
		ThreadMask: {56, 8},
	})

	zen3L3Layout = newLayout("zen3-l3", map[FieldID]Field{
		EventLow:   {0, 8},
		UnitMask:   {8, 8},
		Enable:     {22, 1},
		CoreID:     {42, 3},
		AllSlices:  {46, 1},
		AllCores:   {47, 1},
		SliceID:    {48, 3},
		ThreadMask: {56, 2},
	})

	zen5L3Layout = newLayout("zen5-l3", map[FieldID]Field{
		EventLow:   {0, 8},
		UnitMask:   {8, 8},
		Enable:     {22, 1},
		CoreID:     {42, 4},
		AllSlices:  {46, 1},
		AllCores:   {47, 1},
		SliceID:    {48, 3},
		ThreadMask: {56, 2},
	})
)

// Fabric (northbridge / data fabric) event-select layouts.
var (
	northbridgeLayout = newLayout("northbridge", map[FieldID]Field{
		EventLow:  {0, 8},
		UnitMask:  {8, 8},
		Enable:    {22, 1},
		EventHigh: {32, 4},
	})

	zenFabricLayout = newLayout("zen-df", map[FieldID]Field{
		EventLow:   {0, 8},
		UnitMask:   {8, 8},
		Enable:     {22, 1},
		EventHigh:  {32, 4},
		EventHigh2: {59, 2},
	})

	zen4FabricLayout = newLayout("zen4-df", map[FieldID]Field{
		EventLow:     {0, 8},
		UnitMask:     {8, 8},
		Enable:       {22, 1},
		UnitMaskHigh: {24, 4},
		EventHigh:    {32, 6},
	})
)
